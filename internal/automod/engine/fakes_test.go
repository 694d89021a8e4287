package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/models"
)

type memStore struct {
	mu     sync.Mutex
	rows   map[string]models.ScheduledPunishment
	addErr error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]models.ScheduledPunishment)}
}

func (s *memStore) Add(_ context.Context, p models.ScheduledPunishment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return false, s.addErr
	}
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
		_ = s.Delete(ctx, p)
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
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryTicks < out[j].ExpiryTicks })
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

func (s *memStore) all() []models.ScheduledPunishment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScheduledPunishment, 0, len(s.rows))
	for _, p := range s.rows {
		out = append(out, p)
	}
	return out
}

type fakeEnforcer struct {
	mu    sync.Mutex
	calls []string
	err   error
	delay time.Duration
}

func (f *fakeEnforcer) call(action, userID string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action+":"+userID)
	return f.err
}

func (f *fakeEnforcer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEnforcer) Kick(_ context.Context, _, u, _ string) error      { return f.call("kick", u) }
func (f *fakeEnforcer) Ban(_ context.Context, _, u, _ string) error       { return f.call("ban", u) }
func (f *fakeEnforcer) Softban(_ context.Context, _, u, _ string) error   { return f.call("softban", u) }
func (f *fakeEnforcer) VoiceMute(_ context.Context, _, u, _ string) error { return f.call("voice_mute", u) }
func (f *fakeEnforcer) Deafen(_ context.Context, _, u, _ string) error    { return f.call("deafen", u) }
func (f *fakeEnforcer) AddRole(_ context.Context, _, u, _, _ string) error {
	return f.call("role_mute", u)
}
func (f *fakeEnforcer) Unban(_ context.Context, _, u, _ string) error { return f.call("unban", u) }
func (f *fakeEnforcer) VoiceUnmute(_ context.Context, _, u, _ string) error {
	return f.call("voice_unmute", u)
}
func (f *fakeEnforcer) Undeafen(_ context.Context, _, u, _ string) error { return f.call("undeafen", u) }
func (f *fakeEnforcer) RemoveRole(_ context.Context, _, u, _, _ string) error {
	return f.call("remove_role", u)
}

type recordingReporter struct {
	mu       sync.Mutex
	applied  []core.Report
	failures []core.Report
}

func (r *recordingReporter) PunishmentApplied(_ context.Context, rep core.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, rep)
}

func (r *recordingReporter) EnforcementFailed(_ context.Context, rep core.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, rep)
}

func (r *recordingReporter) PunishmentReversed(context.Context, core.Report) {}
func (r *recordingReporter) ReversalFailing(context.Context, core.Report)    {}
func (r *recordingReporter) ReversalRecovered(context.Context, core.Report)  {}

type resetCall struct {
	userID string
	rule   models.ViolationRule
}

type recordingResetter struct {
	mu    sync.Mutex
	calls []resetCall
}

func (r *recordingResetter) Reset(_, userID string, rule models.ViolationRule, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resetCall{userID: userID, rule: rule})
}
