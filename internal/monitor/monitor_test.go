package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fusheng-game/fusheng/internal/domain"
	"github.com/fusheng-game/fusheng/internal/session"
)

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*domain.Session
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*domain.Session)}
}

func (r *fakeRepo) Load(context.Context) (map[string]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*domain.Session, len(r.records))
	for id, sess := range r.records {
		out[id] = sess.Clone()
	}
	return out, nil
}

func (r *fakeRepo) Persist(_ context.Context, playerID string, sess *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[playerID] = sess.Clone()
	return nil
}

func (r *fakeRepo) MostRecent(context.Context, int) ([]*domain.Session, error) {
	return nil, nil
}

func (r *fakeRepo) Delete(_ context.Context, playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, playerID)
	return nil
}

func (r *fakeRepo) Ping(context.Context) error { return nil }
func (r *fakeRepo) Close() error               { return nil }

type fakeChecker struct {
	mu      sync.Mutex
	players []string
}

func (c *fakeChecker) Check(_ context.Context, playerID string, _ []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.players = append(c.players, playerID)
	return domain.LevelNormal
}

func (c *fakeChecker) checked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.players...)
}

func seed(t *testing.T, sessions *session.Store, playerID string, rounds int, processing bool) {
	t.Helper()
	sess := &domain.Session{
		PlayerID:             playerID,
		SessionDate:          "2026-08-31",
		UncheckedRoundsCount: rounds,
		IsProcessing:         processing,
		InternalHistory: []domain.Message{
			{Role: domain.RoleSystem, Content: "prompt"},
			{Role: domain.RoleUser, Content: "行动一"},
			{Role: domain.RoleUser, Content: "行动二"},
		},
	}
	sessions.Save(context.Background(), playerID, sess)
}

func TestSweepChecksOverdueSessions(t *testing.T) {
	sessions := session.New(newFakeRepo(), session.WithClock(func() time.Time {
		return time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	}))
	judge := &fakeChecker{}

	seed(t, sessions, "overdue", domain.UncheckedRoundsThreshold+1, false)
	seed(t, sessions, "fresh", 1, false)
	seed(t, sessions, "busy", domain.UncheckedRoundsThreshold+3, true)

	sweep(context.Background(), sessions, judge)

	checked := judge.checked()
	if len(checked) != 1 || checked[0] != "overdue" {
		t.Fatalf("checked = %v, want only the overdue idle session", checked)
	}
}

func TestSweepSkipsSessionsWithoutInputs(t *testing.T) {
	sessions := session.New(newFakeRepo())
	judge := &fakeChecker{}
	sess := &domain.Session{
		PlayerID:             "silent",
		SessionDate:          "2026-08-31",
		UncheckedRoundsCount: domain.UncheckedRoundsThreshold + 1,
	}
	sessions.Save(context.Background(), "silent", sess)

	sweep(context.Background(), sessions, judge)

	if got := judge.checked(); len(got) != 0 {
		t.Fatalf("checked = %v, want none for a session with no inputs", got)
	}
}
