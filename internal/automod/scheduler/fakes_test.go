package scheduler

import (
	"context"
	"sort"
	"sync"

	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/models"
)

type memStore struct {
	mu        sync.Mutex
	rows      map[string]models.ScheduledPunishment
	getErr    error
	getCalls  int
	deleteErr error
}

func newMemStore(rows ...models.ScheduledPunishment) *memStore {
	s := &memStore{rows: make(map[string]models.ScheduledPunishment)}
	for _, r := range rows {
		s.rows[r.Key()] = r
	}
	return s
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
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if cur, ok := s.rows[p.Key()]; ok && cur.ExpiryTicks == p.ExpiryTicks {
		delete(s.rows, p.Key())
	}
	return nil
}

func (s *memStore) BulkDelete(ctx context.Context, ps []models.ScheduledPunishment) error {
	for _, p := range ps {
		if err := s.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) GetExpired(_ context.Context, nowTicks int64) ([]models.ScheduledPunishment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	var out []models.ScheduledPunishment
	for _, p := range s.rows {
		if p.ExpiryTicks < nowTicks {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
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

func (s *memStore) setGetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

// fakeEnforcer counts reversals per user and fails them with errs[userID] when set
type fakeEnforcer struct {
	mu     sync.Mutex
	counts map[string]int
	errs   map[string]error
}

func newFakeEnforcer() *fakeEnforcer {
	return &fakeEnforcer{counts: make(map[string]int), errs: make(map[string]error)}
}

func (f *fakeEnforcer) reverse(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[userID]++
	return f.errs[userID]
}

func (f *fakeEnforcer) setErr(userID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, userID)
		return
	}
	f.errs[userID] = err
}

func (f *fakeEnforcer) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[userID]
}

func (f *fakeEnforcer) Kick(context.Context, string, string, string) error      { return nil }
func (f *fakeEnforcer) Ban(context.Context, string, string, string) error       { return nil }
func (f *fakeEnforcer) Softban(context.Context, string, string, string) error   { return nil }
func (f *fakeEnforcer) VoiceMute(context.Context, string, string, string) error { return nil }
func (f *fakeEnforcer) Deafen(context.Context, string, string, string) error    { return nil }
func (f *fakeEnforcer) AddRole(context.Context, string, string, string, string) error {
	return nil
}
func (f *fakeEnforcer) Unban(_ context.Context, _, u, _ string) error       { return f.reverse(u) }
func (f *fakeEnforcer) VoiceUnmute(_ context.Context, _, u, _ string) error { return f.reverse(u) }
func (f *fakeEnforcer) Undeafen(_ context.Context, _, u, _ string) error    { return f.reverse(u) }
func (f *fakeEnforcer) RemoveRole(_ context.Context, _, u, _, _ string) error {
	return f.reverse(u)
}

type countingReporter struct {
	mu        sync.Mutex
	reversed  int
	failing   int
	recovered int
	failed    int
}

func (r *countingReporter) PunishmentApplied(context.Context, core.Report) {}

func (r *countingReporter) EnforcementFailed(context.Context, core.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func (r *countingReporter) PunishmentReversed(context.Context, core.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reversed++
}

func (r *countingReporter) ReversalFailing(context.Context, core.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing++
}

func (r *countingReporter) ReversalRecovered(context.Context, core.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovered++
}

func (r *countingReporter) snapshot() (reversed, failing, recovered, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reversed, r.failing, r.recovered, r.failed
}
