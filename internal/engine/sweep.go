package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"quizsync-backend-go/internal/logger"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultSweepTimeout  = 20 * time.Second
)

// Sweeper periodically tells connected devices about purchases that just
// expired, so they lose access without waiting for their next check.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	timeout  time.Duration
	log      *logger.Logger
	now      func() time.Time

	scheduler *gocron.Scheduler

	mu      sync.Mutex
	lastRun time.Time
}

func NewSweeper(e *Engine, interval, timeout time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultSweepTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Sweeper{
		engine:   e,
		interval: interval,
		timeout:  timeout,
		log:      log,
		now:      now,
		lastRun:  now(),
	}
}

// Start schedules the sweep; a run still in progress makes the next tick skip.
func (s *Sweeper) Start() error {
	s.scheduler = gocron.NewScheduler(time.UTC)
	s.scheduler.SingletonModeAll()
	if _, err := s.scheduler.Every(s.interval).Do(s.tick); err != nil {
		return err
	}
	s.scheduler.StartAsync()
	s.log.Info("expiry sweep scheduled", "interval", s.interval.String(), "timeout", s.timeout.String())
	return nil
}

func (s *Sweeper) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error("expiry sweep failed", "error", err)
	}
}

// RunOnce covers the window since the previous successful run. A failed run
// leaves the window start in place so the next one retries it.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	to := s.now()
	from := s.lastRun
	if !to.After(from) {
		return 0, nil
	}
	notified, err := s.engine.NotifyExpired(ctx, from, to)
	if err != nil {
		return notified, err
	}
	s.lastRun = to
	if notified > 0 {
		s.log.Info("expiry sweep notified users", "count", notified, "from", from, "to", to)
	}
	return notified, nil
}
