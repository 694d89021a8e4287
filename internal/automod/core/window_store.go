package core

import (
	"sort"
	"sync"
	"time"

	"discord-automod-bot/internal/models"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// WindowKey identifies one sliding window. Raid windows are guild wide and carry no user.
type WindowKey struct {
	GuildID   string
	UserID    string
	Kind      models.RuleKind
	Metric    models.Metric
	Size      int
	Instances int
	Window    time.Duration
}

// KeyFor returns the window key of rule r for a user
func KeyFor(guildID, userID string, r models.ViolationRule) WindowKey {
	if r.Kind == models.RuleRaid {
		userID = ""
	}
	return WindowKey{
		GuildID:   guildID,
		UserID:    userID,
		Kind:      r.Kind,
		Metric:    r.Metric,
		Size:      r.Size,
		Instances: r.Instances,
		Window:    r.Window,
	}
}

type windowEntry struct {
	at     time.Time
	userID string
}

// EventWindow is the ordered, pruned list of qualifying events of one key
type EventWindow struct {
	entries    []windowEntry
	quietUntil time.Time
	lastSeen   time.Time
}

// RecordResult is the state of a window right after an event was recorded
type RecordResult struct {
	Count int
	Users []string // distinct users in the window, only set once Count reaches the threshold
	Quiet bool     // the event fell into a quiet period and was not counted
}

type windowShard struct {
	mu      sync.Mutex
	windows map[WindowKey]*EventWindow
}

// WindowStore keeps sliding windows sharded 64 ways by guild and user
type WindowStore struct {
	shards [shardCount]*windowShard
}

// NewWindowStore creates an empty store
func NewWindowStore() *WindowStore {
	s := &WindowStore{}
	for i := 0; i < shardCount; i++ {
		s.shards[i] = &windowShard{windows: make(map[WindowKey]*EventWindow)}
	}
	return s
}

func (s *WindowStore) shard(key WindowKey) *windowShard {
	return s.shards[xxhash.Sum64String(key.GuildID+":"+key.UserID)%shardCount]
}

// Record adds an event at `at` to the window of key, prunes entries older than the
// window relative to `at` and returns the resulting count. The window never grows past
// threshold entries since older ones cannot change the outcome.
func (s *WindowStore) Record(key WindowKey, at time.Time, userID string, threshold int) RecordResult {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		w = &EventWindow{}
		sh.windows[key] = w
	}
	if at.After(w.lastSeen) {
		w.lastSeen = at
	}

	if !w.quietUntil.IsZero() && !at.After(w.quietUntil) {
		return RecordResult{Count: len(w.entries), Quiet: true}
	}

	// insert keeping entries ordered by time, events may arrive slightly out of order
	idx := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].at.After(at)
	})
	w.entries = append(w.entries, windowEntry{})
	copy(w.entries[idx+1:], w.entries[idx:])
	w.entries[idx] = windowEntry{at: at, userID: userID}

	// prune everything with at - ts > window
	cutoff := at.Add(-key.Window)
	drop := sort.Search(len(w.entries), func(i int) bool {
		return !w.entries[i].at.Before(cutoff)
	})
	if threshold > 0 && len(w.entries)-drop > threshold {
		drop = len(w.entries) - threshold
	}
	if drop > 0 {
		w.entries = append(w.entries[:0], w.entries[drop:]...)
	}

	res := RecordResult{Count: len(w.entries)}
	if res.Count >= threshold {
		res.Users = distinctUsers(w.entries)
	}
	return res
}

func distinctUsers(entries []windowEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.userID]; ok {
			continue
		}
		seen[e.userID] = struct{}{}
		users = append(users, e.userID)
	}
	return users
}

// Reset clears the window of key. With a positive quiet, events up to at+quiet are
// ignored, but only when the window still held events: resetting an already cleared
// window, as every reset during a quiet period does, never opens or extends one.
func (s *WindowStore) Reset(key WindowKey, at time.Time, quiet time.Duration) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		return
	}
	held := len(w.entries) > 0
	w.entries = nil
	if quiet > 0 && held {
		w.quietUntil = at.Add(quiet)
	}
}

// InQuietPeriod reports whether at falls into the quiet period of key
func (s *WindowStore) InQuietPeriod(key WindowKey, at time.Time) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	return ok && !w.quietUntil.IsZero() && !at.After(w.quietUntil)
}

// Count returns the number of entries of key counted relative to now, without recording
func (s *WindowStore) Count(key WindowKey, now time.Time) int {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		return 0
	}
	n := 0
	for _, e := range w.entries {
		if !e.at.After(now) && now.Sub(e.at) <= key.Window {
			n++
		}
	}
	return n
}

// ResetGuild drops every window of a guild
func (s *WindowStore) ResetGuild(guildID string) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.windows {
			if k.GuildID == guildID {
				delete(sh.windows, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Cleanup removes windows with no event and no quiet period in the last maxIdle
func (s *WindowStore) Cleanup(now time.Time, maxIdle time.Duration) int {
	removed := 0
	cutoff := now.Add(-maxIdle)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, w := range sh.windows {
			if w.lastSeen.Before(cutoff) && w.quietUntil.Before(cutoff) {
				delete(sh.windows, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// WindowStats summarizes the store
type WindowStats struct {
	ActiveWindows int
	TotalEvents   int64
}

// GetStats returns current statistics
func (s *WindowStore) GetStats() WindowStats {
	stats := WindowStats{}
	for _, sh := range s.shards {
		sh.mu.Lock()
		stats.ActiveWindows += len(sh.windows)
		for _, w := range sh.windows {
			stats.TotalEvents += int64(len(w.entries))
		}
		sh.mu.Unlock()
	}
	return stats
}
