// Package beacon accepts progress flushed by pages that are closing. The
// sender never reads the response, so nothing here reports errors back to
// it: Submit returns them for logging only and workers log what they fail to
// apply.
package beacon

import (
	"context"
	"strings"

	"quizsync-backend-go/internal/logger"
	"quizsync-backend-go/internal/services"
)

// Processor applies a batch and publishes the result to the user's devices.
type Processor interface {
	IngestBeacon(ctx context.Context, batch services.SessionBatch) (services.SessionResult, error)
}

type TokenVerifier interface {
	VerifyUser(token, userID string) error
}

type Ingestor struct {
	Tokens    TokenVerifier
	Queue     Queue
	Processor Processor
	Workers   int
	Log       *logger.Logger
}

func NewIngestor(tokens TokenVerifier, queue Queue, processor Processor, workers int, log *logger.Logger) *Ingestor {
	if log == nil {
		log = logger.Nop()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Ingestor{Tokens: tokens, Queue: queue, Processor: processor, Workers: workers, Log: log}
}

// Submit authenticates and validates a payload, then queues it. queryToken is
// used when the body carries no token.
func (i *Ingestor) Submit(ctx context.Context, p Payload, queryToken string) error {
	token := strings.TrimSpace(p.Token)
	if token == "" {
		token = strings.TrimSpace(queryToken)
	}
	if err := i.Tokens.VerifyUser(token, p.UserID); err != nil {
		beaconsReceived.WithLabelValues("unauthorized").Inc()
		return err
	}
	if err := p.SessionBatch.Validate(); err != nil {
		beaconsReceived.WithLabelValues("invalid").Inc()
		return err
	}
	if err := i.Queue.Enqueue(ctx, p.SessionBatch); err != nil {
		beaconsReceived.WithLabelValues("dropped").Inc()
		return err
	}
	beaconsReceived.WithLabelValues("queued").Inc()
	return nil
}

// Run consumes the queue until ctx is done.
func (i *Ingestor) Run(ctx context.Context) error {
	i.Log.Info("beacon workers started", "workers", i.Workers)
	return i.Queue.Consume(ctx, i.Workers, i.apply)
}

func (i *Ingestor) apply(ctx context.Context, batch services.SessionBatch) error {
	result, err := i.Processor.IngestBeacon(ctx, batch)
	if err != nil {
		beaconsProcessed.WithLabelValues("failed").Inc()
		serr := services.AsServiceError(err)
		i.Log.Warn("beacon apply failed",
			"user_id", batch.UserID,
			"content_set_id", batch.ContentSetID,
			"session_id", batch.SessionID,
			"code", serr.Code(),
			"error", err,
		)
		return err
	}
	beaconsProcessed.WithLabelValues("applied").Inc()
	i.Log.Debug("beacon applied",
		"user_id", batch.UserID,
		"content_set_id", batch.ContentSetID,
		"session_id", batch.SessionID,
		"items", len(batch.Items),
		"completed", result.Summary.CompletedQuestions,
	)
	return nil
}
