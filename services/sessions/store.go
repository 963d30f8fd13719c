package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"attendd/pkg/clock"
)

const (
	// DefaultExpiryDelay is how long a QR session accepts scans before the
	// auto-absence sweep runs.
	DefaultExpiryDelay = 5 * time.Minute
	// DefaultMaxAge is the age after which SweepExpired forgets a session.
	DefaultMaxAge = 60 * time.Minute
	// DefaultSweepInterval is how often Run calls SweepExpired.
	DefaultSweepInterval = 30 * time.Minute

	expiryCallbackTimeout = 30 * time.Second
)

// ErrNotFound is returned for ids the store does not (or no longer) hold.
var ErrNotFound = errors.New("session not found")

// ErrInactive is returned when an operation needs an active session.
var ErrInactive = errors.New("session not active")

// ExpiryFunc runs when a QR or hybrid session's expiry timer fires.
type ExpiryFunc func(ctx context.Context, s Session)

// Options configures a Store. Zero fields take the package defaults.
type Options struct {
	Clock         clock.Clock
	Logger        zerolog.Logger
	ExpiryDelay   time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration
	OnExpire      ExpiryFunc
	NewID         func() string
}

type entry struct {
	session Session
	timer   *clock.Timer
	// gen identifies the current timer. A callback carrying an older value
	// lost a race with Refresh and must not expire the session.
	gen      uint64
	recorded map[string]struct{}
}

// Store is the in-memory registry of sessions. It is safe for concurrent use.
type Store struct {
	clock         clock.Clock
	logger        zerolog.Logger
	expiryDelay   time.Duration
	maxAge        time.Duration
	sweepInterval time.Duration
	onExpire      ExpiryFunc
	newID         func() string

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewStore builds a Store from opts.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ExpiryDelay <= 0 {
		opts.ExpiryDelay = DefaultExpiryDelay
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}

	return &Store{
		clock:         opts.Clock,
		logger:        opts.Logger,
		expiryDelay:   opts.ExpiryDelay,
		maxAge:        opts.MaxAge,
		sweepInterval: opts.SweepInterval,
		onExpire:      opts.OnExpire,
		newID:         opts.NewID,
		sessions:      make(map[string]*entry),
	}
}

// Open creates an active session for classID. Existing active sessions of
// the same class and kind are left alone.
func (s *Store) Open(classID string, kind Kind) (Session, error) {
	classID = strings.TrimSpace(classID)
	if classID == "" {
		return Session{}, errors.New("class id is required")
	}
	if !kind.Valid() {
		return Session{}, fmt.Errorf("unknown session kind %q", kind)
	}

	now := s.clock.Now()
	sess := Session{
		ID:        s.newID(),
		ClassID:   classID,
		CreatedAt: now,
		Kind:      kind,
		Active:    true,
		State:     StateActive,
	}
	if kind.Expires() {
		sess.ExpiresAt = now.Add(s.expiryDelay)
	}

	e := &entry{session: sess, recorded: make(map[string]struct{})}

	s.mu.Lock()
	s.sessions[sess.ID] = e
	if kind.Expires() {
		s.scheduleLocked(e)
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("session_id", sess.ID).
		Str("class_id", classID).
		Str("kind", string(kind)).
		Msg("session opened")

	return sess, nil
}

// Get returns the session with the given id, whatever its state.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// Active returns an active session for classID, optionally restricted to
// the given kinds. When several match, the most recently opened wins;
// callers should not open overlapping sessions of one kind.
func (s *Store) Active(classID string, kinds ...Kind) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found Session
		ok    bool
	)
	for _, e := range s.sessions {
		sess := e.session
		if !sess.Active || sess.ClassID != classID || !matchesKind(sess.Kind, kinds) {
			continue
		}
		if !ok || sess.CreatedAt.After(found.CreatedAt) {
			found, ok = sess, true
		}
	}
	return found, ok
}

func matchesKind(k Kind, kinds []Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// End deactivates a session and cancels its pending expiry, so the
// absence sweep never fires for it. Ending twice is a no-op.
func (s *Store) End(id string) (Session, error) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Session{}, ErrNotFound
	}
	if !e.session.Active {
		sess := e.session
		s.mu.Unlock()
		s.logger.Warn().Str("session_id", id).Str("state", string(sess.State)).Msg("session already ended")
		return sess, nil
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.session.Active = false
	e.session.State = StateEnded
	sess := e.session
	s.mu.Unlock()

	s.logger.Info().Str("session_id", id).Str("class_id", sess.ClassID).Msg("session ended")
	return sess, nil
}

// Refresh pushes an active expiring session's deadline to now plus the
// expiry delay and reschedules its timer. Used when a QR code is rotated.
func (s *Store) Refresh(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !e.session.Active {
		return Session{}, ErrInactive
	}
	if !e.session.Kind.Expires() {
		return e.session, nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.session.ExpiresAt = s.clock.Now().Add(s.expiryDelay)
	s.scheduleLocked(e)
	return e.session, nil
}

// scheduleLocked arms a fresh expiry timer for e. s.mu must be held.
func (s *Store) scheduleLocked(e *entry) {
	e.gen++
	id, gen := e.session.ID, e.gen
	e.timer = s.clock.AfterFunc(s.expiryDelay, func() { s.expire(id, gen) })
}

func (s *Store) expire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || !e.session.Active || e.gen != gen {
		s.mu.Unlock()
		return
	}
	e.session.Active = false
	e.session.State = StateExpired
	e.timer = nil
	sess := e.session
	onExpire := s.onExpire
	s.mu.Unlock()

	s.logger.Info().Str("session_id", id).Str("class_id", sess.ClassID).Msg("session expired")

	if onExpire == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), expiryCallbackTimeout)
	defer cancel()
	onExpire(ctx, sess)
}

// MarkRecorded notes that studentID has an attendance record for the
// session so it is no longer treated as unmarked.
func (s *Store) MarkRecorded(id, studentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.recorded[studentID] = struct{}{}
	return nil
}

// IsRecorded reports whether MarkRecorded was called for the pair.
func (s *Store) IsRecorded(id, studentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return false
	}
	_, marked := e.recorded[studentID]
	return marked
}

// Recorded lists the students marked for the session, sorted.
func (s *Store) Recorded(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.recorded))
	for student := range e.recorded {
		out = append(out, student)
	}
	sort.Strings(out)
	return out
}

// SweepExpired removes every session created more than maxAge ago,
// whatever its state, and returns how many were dropped. A non-positive
// maxAge uses the store's configured age.
func (s *Store) SweepExpired(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	cutoff := s.clock.Now().Add(-maxAge)

	s.mu.Lock()
	removed := 0
	for id, e := range s.sessions {
		if !e.session.CreatedAt.Before(cutoff) {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.sessions, id)
		removed++
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("swept stale sessions")
	}
	return removed
}

// Len reports how many sessions the store holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Run sweeps on the configured interval until ctx is cancelled, then
// sweeps one final time.
func (s *Store) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.SweepExpired(s.maxAge)
			return
		case <-ticker.C:
			s.SweepExpired(s.maxAge)
		}
	}
}
