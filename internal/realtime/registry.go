package realtime

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrEmptyUser         = errors.New("user id is required")
)

type Counts struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Users         int `json:"users"`
}

// Registry tracks live connections and the user each one is bound to. All
// three maps change under the same lock. It is process-local and starts empty
// on every boot.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]map[string]*Client
	byConn  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		clients: map[string]*Client{},
		byUser:  map[string]map[string]*Client{},
		byConn:  map[string]string{},
	}
}

// Register tracks a freshly opened, still anonymous connection.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ID]; !ok {
		connectionsGauge.Inc()
	}
	r.clients[c.ID] = c
}

// Authenticate binds a registered connection to userID. A connection already
// bound to another user is moved in the same critical section. It returns the
// previous user, if any.
func (r *Registry) Authenticate(connID, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrEmptyUser
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[connID]
	if !ok {
		return "", ErrUnknownConnection
	}
	previous := r.byConn[connID]
	if previous == userID {
		return previous, nil
	}
	if previous != "" {
		r.unbindLocked(connID, previous)
	}
	peers := r.byUser[userID]
	if peers == nil {
		peers = map[string]*Client{}
		r.byUser[userID] = peers
	}
	peers[connID] = c
	r.byConn[connID] = userID
	authenticatedUsersGauge.Set(float64(len(r.byUser)))
	return previous, nil
}

// Join registers c and binds it to userID in one step.
func (r *Registry) Join(c *Client, userID string) error {
	r.Register(c)
	_, err := r.Authenticate(c.ID, userID)
	return err
}

// Leave forgets the connection. The user bucket is looked up with the id
// stored at bind time, never one supplied by the caller. It returns that user
// and how many of their connections remain.
func (r *Registry) Leave(connID string) (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[connID]; !ok {
		return "", 0
	}
	delete(r.clients, connID)
	connectionsGauge.Dec()
	userID, bound := r.byConn[connID]
	if !bound {
		return "", 0
	}
	r.unbindLocked(connID, userID)
	authenticatedUsersGauge.Set(float64(len(r.byUser)))
	return userID, len(r.byUser[userID])
}

func (r *Registry) unbindLocked(connID, userID string) {
	delete(r.byConn, connID)
	peers := r.byUser[userID]
	delete(peers, connID)
	if len(peers) == 0 {
		delete(r.byUser, userID)
	}
}

// PeersOf returns the user's connections, leaving out exceptConn when it is
// not empty.
func (r *Registry) PeersOf(userID, exceptConn string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := r.byUser[userID]
	out := make([]*Client, 0, len(peers))
	for id, c := range peers {
		if exceptConn != "" && id == exceptConn {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

func (r *Registry) Client(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) DeviceCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Counts{
		Connections:   len(r.clients),
		Authenticated: len(r.byConn),
		Users:         len(r.byUser),
	}
}
