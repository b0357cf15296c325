// Package session owns the authoritative in-memory session map. All record
// mutation flows through the store's save and mutate entry points, which
// serialize per player, fan out over the notifier, and write through to the
// durable repository asynchronously.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fusheng-game/fusheng/internal/domain"
	"github.com/fusheng-game/fusheng/internal/store"
)

// ErrNotFound indicates no session exists for the player.
var ErrNotFound = errors.New("session not found")

// Notifier receives fan-out work on every save. Implemented by the hub;
// tests substitute fakes. Calls are made from short-lived goroutines and
// must not be assumed to complete before the save returns.
type Notifier interface {
	// PushState delivers the owner's full state.
	PushState(playerID string, sess *domain.Session)

	// Broadcast delivers a redacted live update to the player's spectators.
	Broadcast(playerID string, sess *domain.Session)
}

// NopNotifier discards all fan-out.
type NopNotifier struct{}

func (NopNotifier) PushState(string, *domain.Session) {}
func (NopNotifier) Broadcast(string, *domain.Session) {}

// Store is the sole owner of the authoritative session copies.
type Store struct {
	repo     store.Repository
	notifier Notifier
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*domain.Session
	locks    map[string]*sync.Mutex
	dirty    map[string]bool

	loadMu sync.Mutex
	loaded bool
}

// Option customizes a Store.
type Option func(*Store)

// WithNotifier sets the fan-out target.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a session store over the given durable repository.
func New(repo store.Repository, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		notifier: NopNotifier{},
		now:      time.Now,
		sessions: make(map[string]*domain.Session),
		locks:    make(map[string]*sync.Mutex),
		dirty:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ensureLoaded warms the in-memory map from the durable store. A failed
// load is retried on the next access rather than marking warm-up done, so
// one transient database error cannot disable recovery for the process
// lifetime. Records written before a late-succeeding load win.
func (s *Store) ensureLoaded(ctx context.Context) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.loaded {
		return
	}

	loaded, err := s.repo.Load(ctx)
	if err != nil {
		slog.Error("Failed to load sessions from durable store, will retry", "error", err)
		return
	}

	s.mu.Lock()
	for id, sess := range loaded {
		if _, exists := s.sessions[id]; !exists {
			s.sessions[id] = sess
		}
	}
	s.mu.Unlock()
	s.loaded = true
	slog.Info("Sessions loaded from durable store", "count", len(loaded))
}

// lockFor returns the per-player mutex, creating it on first use.
func (s *Store) lockFor(playerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[playerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[playerID] = l
	}
	return l
}

// Get returns a deep copy of the player's session. The copy is the caller's
// to mutate; changes land only through Save or Mutate.
func (s *Store) Get(ctx context.Context, playerID string) (*domain.Session, bool) {
	s.ensureLoaded(ctx)
	s.mu.RLock()
	sess, ok := s.sessions[playerID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Save replaces the player's record wholesale, stamps last_modified, and
// schedules fan-out plus durable write-through. The caller is never blocked
// on either. Saves for the same player serialize on the per-player lock.
func (s *Store) Save(ctx context.Context, playerID string, sess *domain.Session) {
	s.ensureLoaded(ctx)
	l := s.lockFor(playerID)
	l.Lock()
	sess.LastModified = unixSeconds(s.now())

	stored := sess.Clone()
	s.mu.Lock()
	// A punishment flagged while a turn was in flight must survive the
	// turn's save of its older working copy.
	if prev, ok := s.sessions[playerID]; ok && prev.PendingPunishment != nil && stored.PendingPunishment == nil {
		stored.PendingPunishment = prev.PendingPunishment
	}
	s.sessions[playerID] = stored
	s.dirty[playerID] = true
	s.mu.Unlock()
	l.Unlock()

	s.scheduleFanOut(playerID, stored)
	go s.persist(playerID, stored)
}

// Mutate runs fn against the live record under the per-player lock, then
// saves the result. When fn returns an error the record is untouched and the
// error is returned. The record passed to fn must not be retained.
func (s *Store) Mutate(ctx context.Context, playerID string, fn func(sess *domain.Session) error) error {
	s.ensureLoaded(ctx)
	l := s.lockFor(playerID)
	l.Lock()

	s.mu.RLock()
	current, ok := s.sessions[playerID]
	s.mu.RUnlock()
	if !ok {
		l.Unlock()
		return ErrNotFound
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		l.Unlock()
		return err
	}

	working.LastModified = unixSeconds(s.now())
	s.mu.Lock()
	s.sessions[playerID] = working
	s.dirty[playerID] = true
	s.mu.Unlock()
	l.Unlock()

	s.scheduleFanOut(playerID, working)
	go s.persist(playerID, working)
	return nil
}

// Clear resets the player's record to an empty one.
func (s *Store) Clear(ctx context.Context, playerID string) {
	s.ensureLoaded(ctx)
	l := s.lockFor(playerID)
	l.Lock()
	empty := &domain.Session{PlayerID: playerID, LastModified: unixSeconds(s.now())}
	s.mu.Lock()
	s.sessions[playerID] = empty
	s.dirty[playerID] = true
	s.mu.Unlock()
	l.Unlock()

	slog.Info("Session cleared", "player_id", playerID)
	s.scheduleFanOut(playerID, empty)
	go s.persist(playerID, empty)
}

// MostRecent returns deep copies of the limit freshest sessions by
// last_modified, for the live-players listing.
func (s *Store) MostRecent(ctx context.Context, limit int) []*domain.Session {
	s.ensureLoaded(ctx)
	s.mu.RLock()
	all := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.LastModified > 0 {
			all = append(all, sess)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].LastModified > all[j].LastModified
	})
	if limit < len(all) {
		all = all[:limit]
	}
	out := make([]*domain.Session, len(all))
	for i, sess := range all {
		out[i] = sess.Clone()
	}
	return out
}

// RecentInputs returns the last n player inputs for a session.
func (s *Store) RecentInputs(ctx context.Context, playerID string, n int) []string {
	sess, ok := s.Get(ctx, playerID)
	if !ok {
		return nil
	}
	return sess.RecentInputs(n)
}

// FlagPunishment marks a player's session for punishment, to be consumed on
// their next action, and pushes the updated state immediately.
func (s *Store) FlagPunishment(ctx context.Context, playerID, level, reason string) {
	err := s.Mutate(ctx, playerID, func(sess *domain.Session) error {
		sess.PendingPunishment = &domain.Punishment{Level: level, Reason: reason}
		return nil
	})
	if err != nil {
		slog.Warn("Failed to flag punishment", "player_id", playerID, "error", err)
		return
	}
	slog.Info("Player flagged for punishment", "player_id", playerID, "level", level, "reason", reason)
}

// ResetUncheckedRounds zeroes the compliance counter after a check ran.
func (s *Store) ResetUncheckedRounds(ctx context.Context, playerID string) {
	err := s.Mutate(ctx, playerID, func(sess *domain.Session) error {
		sess.UncheckedRoundsCount = 0
		return nil
	})
	if err != nil {
		slog.Warn("Failed to reset unchecked rounds", "player_id", playerID, "error", err)
	}
}

// Flush synchronously persists every dirty record. Called by the background
// flush loop and during shutdown.
func (s *Store) Flush(ctx context.Context) {
	s.mu.Lock()
	pending := make(map[string]*domain.Session, len(s.dirty))
	for id := range s.dirty {
		if sess, ok := s.sessions[id]; ok {
			pending[id] = sess
		}
		delete(s.dirty, id)
	}
	s.mu.Unlock()

	for id, sess := range pending {
		if err := s.repo.Persist(ctx, id, sess); err != nil {
			slog.Error("Failed to flush session", "player_id", id, "error", err)
			s.mu.Lock()
			s.dirty[id] = true
			s.mu.Unlock()
		}
	}
}

// StartFlushLoop periodically flushes dirty records until ctx is done.
func (s *Store) StartFlushLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.Flush(context.Background())
				return
			case <-ticker.C:
				s.Flush(ctx)
			}
		}
	}()
}

func (s *Store) scheduleFanOut(playerID string, sess *domain.Session) {
	snapshot := sess.Clone()
	go s.notifier.PushState(playerID, snapshot)
	go s.notifier.Broadcast(playerID, snapshot)
}

func (s *Store) persist(playerID string, sess *domain.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.repo.Persist(ctx, playerID, sess); err != nil {
		slog.Error("Failed to persist session", "player_id", playerID, "error", err)
		return
	}
	s.mu.Lock()
	delete(s.dirty, playerID)
	s.mu.Unlock()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
