package session

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/pdn/internal/language"
	"github.com/ChamsBouzaiene/pdn/internal/metrics"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

const (
	DefaultMaxSessions = 1000
	DefaultIdleTTL     = time.Hour
)

// Enqueuer accepts session copies for asynchronous persistence.
type Enqueuer interface {
	Enqueue(sess Session)
}

// entry is one arena slot. turnMu serializes whole turns; mu guards sess.
type entry struct {
	turnMu sync.Mutex

	mu   sync.Mutex
	sess Session

	// guarded by Store.mu
	holders  int
	lastUsed time.Time
	elem     *list.Element
}

// Store owns in-memory session state. It is bounded: when full, the least
// recently used session that no turn is holding is evicted, and sessions idle
// longer than the TTL are dropped by Sweep.
type Store struct {
	registry *stages.Registry
	persist  Enqueuer
	recorder metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time

	maxSessions int
	idleTTL     time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used; values are session ids
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersister schedules a persistence write after every mutation.
func WithPersister(p Enqueuer) StoreOption {
	return func(s *Store) { s.persist = p }
}

// WithCapacity bounds the number of live sessions.
func WithCapacity(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithIdleTTL sets how long an untouched session survives Sweep.
func WithIdleTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStoreRecorder sets the metrics recorder.
func WithStoreRecorder(r metrics.Recorder) StoreOption {
	return func(s *Store) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store.
func NewStore(registry *stages.Registry, opts ...StoreOption) *Store {
	s := &Store{
		registry:    registry,
		recorder:    metrics.Nop{},
		logger:      zap.NewNop(),
		now:         time.Now,
		maxSessions: DefaultMaxSessions,
		idleTTL:     DefaultIdleTTL,
		entries:     make(map[string]*entry),
		lru:         list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session")
	return s
}

func (s *Store) fresh(id, user string) Session {
	now := s.now()
	return Session{
		ID:           id,
		User:         user,
		CurrentStage: s.registry.First().ID,
		Facts:        make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// lookup returns the entry for id, creating it when create is set. Caller holds s.mu.
func (s *Store) lookup(id string, create bool) *entry {
	if e, ok := s.entries[id]; ok {
		e.lastUsed = s.now()
		s.lru.MoveToFront(e.elem)
		return e
	}
	if !create {
		return nil
	}
	if len(s.entries) >= s.maxSessions {
		s.evictOne()
	}
	e := &entry{sess: s.fresh(id, ""), lastUsed: s.now()}
	e.elem = s.lru.PushFront(id)
	s.entries[id] = e
	return e
}

// evictOne drops the least recently used idle entry. Caller holds s.mu.
func (s *Store) evictOne() {
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		id := el.Value.(string)
		if s.entries[id].holders > 0 {
			continue
		}
		s.remove(id)
		s.logger.Debug("evicted session", zap.String("session_id", id))
		return
	}
	s.logger.Warn("session store over capacity; every session is busy", zap.Int("sessions", len(s.entries)))
}

func (s *Store) remove(id string) {
	e := s.entries[id]
	s.lru.Remove(e.elem)
	delete(s.entries, id)
}

// Acquire enters the per-session critical section for id, creating the
// session if needed. The returned func releases it; a held session is never evicted.
func (s *Store) Acquire(id string) (release func()) {
	s.mu.Lock()
	e := s.lookup(id, true)
	e.holders++
	s.mu.Unlock()

	e.turnMu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.turnMu.Unlock()
			s.mu.Lock()
			e.holders--
			e.lastUsed = s.now()
			s.mu.Unlock()
		})
	}
}

// mutate runs fn on the live session and schedules persistence when fn reports a change.
func (s *Store) mutate(id string, create bool, fn func(sess *Session) (changed bool, err error)) error {
	s.mu.Lock()
	e := s.lookup(id, create)
	s.mu.Unlock()
	if e == nil {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	changed, err := fn(&e.sess)
	if err != nil || !changed {
		return err
	}
	e.sess.UpdatedAt = s.now()
	if s.persist != nil {
		s.persist.Enqueue(e.sess.Clone())
	}
	return nil
}

func (s *Store) read(id string, create bool) (Session, error) {
	s.mu.Lock()
	e := s.lookup(id, create)
	s.mu.Unlock()
	if e == nil {
		return Session{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone(), nil
}

// GetOrCreate returns a copy of the session, creating a fresh one if needed.
func (s *Store) GetOrCreate(id string) Session {
	sess, _ := s.read(id, true)
	return sess
}

// Get returns a copy of an existing session.
func (s *Store) Get(id string) (Session, error) {
	return s.read(id, false)
}

// SetUser records who owns the session.
func (s *Store) SetUser(id, user string) error {
	return s.mutate(id, true, func(sess *Session) (bool, error) {
		if sess.User == user {
			return false, nil
		}
		sess.User = user
		return true, nil
	})
}

// AppendTurn appends t to the history and returns the new history length.
func (s *Store) AppendTurn(id string, t Turn) (int, error) {
	var n int
	err := s.mutate(id, false, func(sess *Session) (bool, error) {
		if t.Timestamp.IsZero() {
			t.Timestamp = s.now()
		}
		sess.History = append(sess.History, t)
		n = len(sess.History)
		return true, nil
	})
	return n, err
}

// TruncateHistory drops every turn after the first n.
func (s *Store) TruncateHistory(id string, n int) error {
	return s.mutate(id, false, func(sess *Session) (bool, error) {
		if n < 0 || n >= len(sess.History) {
			return false, nil
		}
		sess.History = sess.History[:n]
		return true, nil
	})
}

// SetStage moves the session to stage. A completed session only accepts its
// current stage.
func (s *Store) SetStage(id string, stage stages.ID) error {
	if !s.registry.Valid(stage) {
		return &InvalidStageError{ID: string(stage), Err: &stages.UnknownStageError{ID: string(stage)}}
	}
	return s.mutate(id, false, func(sess *Session) (bool, error) {
		if sess.CurrentStage == stage {
			return false, nil
		}
		if sess.Completed {
			return false, ErrSessionCompleted
		}
		prev := sess.CurrentStage
		sess.CurrentStage = stage
		s.logger.Info("stage changed",
			zap.String("session_id", id),
			zap.String("previous", string(prev)),
			zap.String("next", string(stage)))
		s.recorder.ObserveStageTransition(string(prev), string(stage))
		return true, nil
	})
}

// SetLanguage sets the session language if it is not set yet and returns the
// language in effect.
func (s *Store) SetLanguage(id string, lang language.Language) (language.Language, error) {
	if !lang.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	var effective language.Language
	err := s.mutate(id, false, func(sess *Session) (bool, error) {
		if sess.Language != "" {
			effective = sess.Language
			return false, nil
		}
		sess.Language = lang
		effective = lang
		return true, nil
	})
	return effective, err
}

// StoreFact upserts an assessment fact; the last write for a key wins.
func (s *Store) StoreFact(id, key, value string) error {
	return s.mutate(id, false, func(sess *Session) (bool, error) {
		if sess.Facts == nil {
			sess.Facts = make(map[string]string)
		}
		sess.Facts[key] = value
		s.logger.Debug("stored fact", zap.String("session_id", id), zap.String("key", key))
		return true, nil
	})
}

// MarkCompleted moves the session to the terminal stage and records the final report.
func (s *Store) MarkCompleted(id, finalReport string) error {
	terminal := s.registry.Terminal().ID
	return s.mutate(id, false, func(sess *Session) (bool, error) {
		if sess.CurrentStage != terminal {
			s.recorder.ObserveStageTransition(string(sess.CurrentStage), string(terminal))
		}
		sess.CurrentStage = terminal
		sess.Completed = true
		sess.FinalReport = finalReport
		s.logger.Info("assessment completed", zap.String("session_id", id))
		return true, nil
	})
}

// Reset returns the session to its initial state, keeping only its id and user.
func (s *Store) Reset(id string) error {
	return s.mutate(id, true, func(sess *Session) (bool, error) {
		*sess = s.fresh(id, sess.User)
		s.logger.Info("session reset", zap.String("session_id", id))
		return true, nil
	})
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts sessions idle longer than the TTL and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTTL)
	evicted := 0
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		id := el.Value.(string)
		e := s.entries[id]
		if e.holders == 0 && e.lastUsed.Before(cutoff) {
			s.remove(id)
			evicted++
		}
		el = prev
	}
	if evicted > 0 {
		s.logger.Info("swept idle sessions", zap.Int("evicted", evicted))
	}
	return evicted
}

// StartJanitor runs Sweep every interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.idleTTL / 4
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
