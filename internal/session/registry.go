package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/webmail-relay/pkg/types"
)

// ErrSessionNotFound is returned for ids that were never issued, were
// destroyed, or expired.
var ErrSessionNotFound = errors.New("session not found")

// Reasons passed to Observer.SessionDestroyed.
const (
	ReasonLogout         = "logout"
	ReasonIdle           = "idle"
	ReasonConnectionLost = "connection_lost"
	ReasonShutdown       = "shutdown"
)

// Mailbox is the per-session mail connection.
type Mailbox interface {
	Connect() error
	Disconnect() error
	ListFolders() ([]types.Folder, error)
	ListMessages(folder string, limit int) ([]types.Email, error)
	MessageBody(folder string, uid uint32) (string, error)
	MarkRead(folder string, uid uint32) error
	SetStarred(folder string, uid uint32, starred bool) error
	DeleteMessage(folder string, uid uint32) error
	MoveMessage(from string, uid uint32, to string) error
}

// Factory builds an unconnected Mailbox for an account.
type Factory func(account types.Account) Mailbox

// Observer is notified of session lifecycle events.
type Observer interface {
	SessionCreated()
	SessionDestroyed(reason string)
}

// Session binds an id to one authenticated mail connection.
type Session struct {
	ID        string
	Account   types.Account
	Mailbox   Mailbox
	CreatedAt time.Time

	lastActivity time.Time
}

// Registry owns every live session. Sessions idle for longer than the idle
// timeout are destroyed by Sweep.
type Registry struct {
	factory     Factory
	idleTimeout time.Duration
	logger      *logrus.Logger
	observer    Observer
	now         func() time.Time
	newID       func() string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry(factory Factory, idleTimeout time.Duration, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		factory:     factory,
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
		sessions:    make(map[string]*Session),
	}
}

// SetObserver installs a lifecycle observer. It must be called before the
// registry is shared.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Create connects a new mailbox for account and registers it. Nothing is
// stored when the connection fails.
func (r *Registry) Create(account types.Account) (string, error) {
	mailbox := r.factory(account)
	if err := mailbox.Connect(); err != nil {
		return "", err
	}

	now := r.now()
	s := &Session{
		ID:           r.newID(),
		Account:      account,
		Mailbox:      mailbox,
		CreatedAt:    now,
		lastActivity: now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.SessionCreated()
	}
	r.logger.WithFields(logrus.Fields{
		"session": s.ID,
		"account": account.Address,
	}).Info("Session created")
	return s.ID, nil
}

// Get returns a session and marks it active.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.lastActivity = r.now()
	return s, nil
}

// LastActivity reports when a session was last used.
func (r *Registry) LastActivity(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return time.Time{}, false
	}
	return s.lastActivity, true
}

// Destroy removes a session and closes its connection. Unknown ids are
// ignored.
func (r *Registry) Destroy(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.close(s, reason)
}

func (r *Registry) close(s *Session, reason string) {
	entry := r.logger.WithFields(logrus.Fields{
		"session": s.ID,
		"account": s.Account.Address,
		"reason":  reason,
	})
	if err := s.Mailbox.Disconnect(); err != nil {
		entry.WithError(err).Warn("Failed to disconnect session")
	}
	if r.observer != nil {
		r.observer.SessionDestroyed(reason)
	}
	entry.Info("Session destroyed")
}

// Sweep destroys every session idle for longer than the idle timeout and
// returns how many were removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.lastActivity.Before(cutoff) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.close(s, ReasonIdle)
	}
	return len(expired)
}

// Run sweeps on every tick of interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.WithField("interval", interval.String()).Info("Starting idle session sweeper")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Idle session sweeper stopped")
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.WithField("count", n).Info("Expired idle sessions")
			}
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close destroys every session.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.close(s, ReasonShutdown)
	}
}
