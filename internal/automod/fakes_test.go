package automod

import (
	"context"
	"sync"
	"time"

	"discord-automod-bot/internal/models"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]models.ScheduledPunishment
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]models.ScheduledPunishment)}
}

func (s *memStore) Add(_ context.Context, p models.ScheduledPunishment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[p.Key()]; ok {
		return false, nil
	}
	s.rows[p.Key()] = p
	return true, nil
}

func (s *memStore) Delete(_ context.Context, p models.ScheduledPunishment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rows[p.Key()]; ok && cur.ExpiryTicks == p.ExpiryTicks {
		delete(s.rows, p.Key())
	}
	return nil
}

func (s *memStore) BulkDelete(ctx context.Context, ps []models.ScheduledPunishment) error {
	for _, p := range ps {
		s.Delete(ctx, p)
	}
	return nil
}

func (s *memStore) GetExpired(_ context.Context, nowTicks int64) ([]models.ScheduledPunishment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledPunishment
	for _, p := range s.rows {
		if p.ExpiryTicks < nowTicks {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) GetForUser(_ context.Context, guildID, userID string) ([]models.ScheduledPunishment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledPunishment
	for _, p := range s.rows {
		if p.GuildID == guildID && p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// recorder is an enforcer that logs every call as "action:user"
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(action, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, action+":"+userID)
	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Kick(_ context.Context, _, u, _ string) error      { return r.record("kick", u) }
func (r *recorder) Ban(_ context.Context, _, u, _ string) error       { return r.record("ban", u) }
func (r *recorder) Softban(_ context.Context, _, u, _ string) error   { return r.record("softban", u) }
func (r *recorder) VoiceMute(_ context.Context, _, u, _ string) error { return r.record("voice_mute", u) }
func (r *recorder) Deafen(_ context.Context, _, u, _ string) error    { return r.record("deafen", u) }
func (r *recorder) AddRole(_ context.Context, _, u, _, _ string) error {
	return r.record("add_role", u)
}
func (r *recorder) Unban(_ context.Context, _, u, _ string) error { return r.record("unban", u) }
func (r *recorder) VoiceUnmute(_ context.Context, _, u, _ string) error {
	return r.record("voice_unmute", u)
}
func (r *recorder) Undeafen(_ context.Context, _, u, _ string) error { return r.record("undeafen", u) }
func (r *recorder) RemoveRole(_ context.Context, _, u, _, _ string) error {
	return r.record("remove_role", u)
}

type stubInspector struct {
	admins map[string]bool
	err    error
}

func (s *stubInspector) IsAdmin(_ context.Context, _, userID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.admins[userID], nil
}

func (s *stubInspector) OutranksBot(context.Context, string, string) (bool, error) {
	return false, s.err
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
