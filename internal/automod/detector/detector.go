package detector

import (
	"time"

	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/models"

	"go.uber.org/zap"
)

// Crossed is one rule whose threshold was reached by an event
type Crossed struct {
	Rule  models.ViolationRule
	Users []string
	Count int
	// Lockdown is set for joins that arrive while a raid decision is still fresh
	Lockdown bool
}

// Decision is the outcome of evaluating one event
type Decision struct {
	GuildID string
	At      time.Time
	Crossed []Crossed
}

// Fired reports whether at least one rule was crossed
func (d Decision) Fired() bool {
	return len(d.Crossed) > 0
}

// UserRules are the crossed rules that apply to one user
type UserRules struct {
	UserID string
	Rules  []models.ViolationRule
}

// ByUser groups crossed rules per affected user, in order of first appearance
func (d Decision) ByUser() []UserRules {
	var out []UserRules
	index := make(map[string]int)
	for _, c := range d.Crossed {
		for _, u := range c.Users {
			i, ok := index[u]
			if !ok {
				i = len(out)
				index[u] = i
				out = append(out, UserRules{UserID: u})
			}
			out[i].Rules = append(out[i].Rules, c.Rule)
		}
	}
	return out
}

// Detector turns inbound events into violation decisions.
// All window state lives in the injected WindowStore.
type Detector struct {
	windows *core.WindowStore
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Detector
type Option func(*Detector)

// WithClock overrides the clock used for events without a timestamp
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// NewDetector creates a detector over windows
func NewDetector(windows *core.WindowStore, opts ...Option) *Detector {
	d := &Detector{
		windows: windows,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Evaluate records ev against every matching enabled rule and returns the crossed ones.
// Rules are assumed valid.
func (d *Detector) Evaluate(ev models.Event, rules []models.ViolationRule) Decision {
	now := ev.EventTime()
	if now.IsZero() {
		now = d.now()
	}
	guildID, userID := ev.EventGuildID(), ev.EventUserID()
	dec := Decision{GuildID: guildID, At: now}

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		value, ok := ev.Measure(r.Metric)
		if !ok || (r.Kind == models.RuleRaid) != (r.Metric == models.MetricJoinCount) {
			continue
		}
		if value < r.Size {
			continue
		}

		res := d.windows.Record(core.KeyFor(guildID, userID, r), now, userID, r.Instances)
		if res.Quiet {
			if r.Kind == models.RuleRaid {
				dec.Crossed = append(dec.Crossed, Crossed{Rule: r, Users: []string{userID}, Count: res.Count, Lockdown: true})
			}
			continue
		}
		if res.Count < r.Instances {
			continue
		}

		users := res.Users
		if r.Kind == models.RuleSpam {
			users = []string{userID}
		}
		dec.Crossed = append(dec.Crossed, Crossed{Rule: r, Users: users, Count: res.Count})
		core.MetricDecisions.WithLabelValues(string(r.Kind), string(r.Metric)).Inc()
		d.logger.Debug("rule crossed",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.Stringer("rule", r),
			zap.Int("count", res.Count))
	}
	return dec
}

// Reset clears the window of rule for a user. Spam windows start over right away; the
// engine's episode guard absorbs the rest of the burst. Raid windows are guild wide and
// open a lockdown of one window after the raid decision. Resets during the lockdown do
// not extend it.
func (d *Detector) Reset(guildID, userID string, rule models.ViolationRule, at time.Time) {
	var quiet time.Duration
	if rule.Kind == models.RuleRaid {
		quiet = rule.Window
	}
	d.windows.Reset(core.KeyFor(guildID, userID, rule), at, quiet)
}

// ResetGuild drops all windows of a guild, used when its rules change
func (d *Detector) ResetGuild(guildID string) {
	d.windows.ResetGuild(guildID)
}

// Cleanup drops windows idle for longer than maxIdle
func (d *Detector) Cleanup(maxIdle time.Duration) int {
	removed := d.windows.Cleanup(d.now(), maxIdle)
	core.MetricActiveWindows.Set(float64(d.windows.GetStats().ActiveWindows))
	return removed
}
