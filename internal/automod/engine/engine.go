package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/models"

	"emperror.dev/errors"
	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// Outcome of one Apply call
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeApplied
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// Result describes what Apply did
type Result struct {
	Outcome    Outcome
	Rule       models.ViolationRule
	Punishment models.PunishmentSpec
	// Scheduled is the pending reversal for timed punishments
	Scheduled *models.ScheduledPunishment
	Reason    string
}

// Resetter clears detector state once a decision has been handled
type Resetter interface {
	Reset(guildID, userID string, rule models.ViolationRule, at time.Time)
}

// Engine converts crossed rules into exactly one enforcement action per episode
type Engine struct {
	store    core.Store
	enforcer core.Enforcer
	resetter Resetter
	reporter core.Reporter
	locks    *core.KeyLock[core.MemberKey]
	episodes *ristretto.Cache // "guild:user" -> applied severity
	overflow sync.Map         // "guild:user" -> episodeMark
	now      func() time.Time
	logger   *zap.Logger

	episodeFloor time.Duration
}

// Option configures an Engine
type Option func(*Engine)

func WithReporter(r core.Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocks shares the per member locks with the scheduler
func WithLocks(l *core.KeyLock[core.MemberKey]) Option {
	return func(e *Engine) { e.locks = l }
}

// WithEpisodeFloor sets the minimum time an applied severity blocks equal or lower ones
func WithEpisodeFloor(d time.Duration) Option {
	return func(e *Engine) { e.episodeFloor = d }
}

// New creates an engine
func New(store core.Store, enforcer core.Enforcer, resetter Resetter, opts ...Option) (*Engine, error) {
	episodes, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create episode cache: %w", err)
	}

	e := &Engine{
		store:    store,
		enforcer: enforcer,
		resetter: resetter,
		episodes: episodes,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.reporter == nil {
		e.reporter = core.NewLogReporter(e.logger)
	}
	if e.locks == nil {
		e.locks = core.NewKeyLock[core.MemberKey]()
	}
	return e, nil
}

// Close releases the episode cache
func (e *Engine) Close() {
	e.episodes.Close()
}

// Highest returns the rule with the harshest punishment, the first one on ties
func Highest(rules []models.ViolationRule) models.ViolationRule {
	best := rules[0]
	for _, r := range rules[1:] {
		if r.Punishment.Kind.Severity() > best.Punishment.Kind.Severity() {
			best = r
		}
	}
	return best
}

func episodeKey(guildID, userID string) string {
	return guildID + ":" + userID
}

// Apply punishes a user for the crossed rules. Calls for the same member are serialized
// from decision to store write. Errors are also delivered to the reporter.
func (e *Engine) Apply(ctx context.Context, guildID, userID string, crossed []models.ViolationRule) (Result, error) {
	if len(crossed) == 0 {
		return Result{Outcome: OutcomeNone}, nil
	}

	key := core.MemberKey{GuildID: guildID, UserID: userID}
	if err := e.locks.Lock(ctx, key); err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	defer e.locks.Unlock(key)

	now := e.now()
	rule := Highest(crossed)
	p := rule.Punishment
	severity := p.Kind.Severity()
	res := Result{Rule: rule, Punishment: p}
	log := e.logger.With(
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("punishment", string(p.Kind)))

	if reason := e.escalationBlock(ctx, guildID, userID, severity, now); reason != "" {
		e.resetAll(guildID, userID, crossed, now)
		core.MetricPunishments.WithLabelValues(string(p.Kind), "skipped").Inc()
		log.Debug("punishment skipped", zap.String("reason", reason))
		res.Outcome = OutcomeSkipped
		res.Reason = reason
		return res, nil
	}

	report := core.Report{GuildID: guildID, UserID: userID, Punishment: p, Rule: &rule, At: now}

	// The reversal row is written before enforcing. A crash between the two leaves a
	// row whose reversal is a no-op, never a timed punishment without its reversal.
	var sched scheduled
	if p.Timed() {
		row := models.ScheduledPunishment{
			GuildID:     guildID,
			UserID:      userID,
			Kind:        p.Kind,
			ExpiryTicks: now.Add(*p.Duration).UnixMilli(),
		}
		if p.Kind == models.PunishmentRoleMute {
			row.RoleID = models.StringPtr(p.RoleID)
		}
		var err error
		sched, err = e.schedule(ctx, row)
		if err != nil {
			err = core.Persistence("add", err)
			report.Err = err
			e.reporter.EnforcementFailed(ctx, report)
			core.MetricPunishments.WithLabelValues(string(p.Kind), "store_failed").Inc()
			res.Outcome = OutcomeFailed
			return res, err
		}
		res.Scheduled = &sched.row
		report.Expiry = sched.row.Expiry()
	}

	reason := fmt.Sprintf("Automod: %s", rule)
	err := core.Enforce(ctx, e.enforcer, guildID, userID, p, reason)
	if err != nil && p.Kind == models.PunishmentSoftban && core.IsSoftbanUnbanFailure(err) {
		// the member is out but the ban stuck, the scheduler lifts it on its next pass
		retry, serr := e.schedule(ctx, models.ScheduledPunishment{
			GuildID:     guildID,
			UserID:      userID,
			Kind:        models.PunishmentBan,
			ExpiryTicks: now.UnixMilli(),
		})
		if serr != nil {
			log.Error("failed to schedule unban of softbanned member", zap.Error(serr), zap.NamedError("unban_error", err))
		} else {
			log.Warn("softban unban failed, retrying from the scheduler", zap.Error(err))
			res.Scheduled = &retry.row
			err = nil
		}
	}
	if err != nil {
		e.rollback(ctx, sched, log)
		res.Scheduled = nil
		report.Err = err
		e.reporter.EnforcementFailed(ctx, report)
		outcome := "transient"
		if core.IsPermanent(err) {
			outcome = "permanent"
		}
		core.MetricPunishments.WithLabelValues(string(p.Kind), outcome).Inc()
		res.Outcome = OutcomeFailed
		return res, err
	}

	e.rememberEpisode(guildID, userID, p, crossed)
	e.resetAll(guildID, userID, crossed, now)
	e.reporter.PunishmentApplied(ctx, report)
	core.MetricPunishments.WithLabelValues(string(p.Kind), "applied").Inc()
	res.Outcome = OutcomeApplied
	return res, nil
}

// escalationBlock returns why a punishment of severity must not be applied, or ""
func (e *Engine) escalationBlock(ctx context.Context, guildID, userID string, severity int, now time.Time) string {
	if prev, ok := e.episodeSeverity(guildID, userID); ok && prev >= severity {
		return "episode already punished"
	}

	pending, err := e.store.GetForUser(ctx, guildID, userID)
	if err != nil {
		// the escalation check is best effort, the write path reports store failures
		e.logger.Warn("failed to read pending punishments",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.Error(err))
		return ""
	}
	for _, p := range pending {
		if p.ExpiryTicks > now.UnixMilli() && p.Kind.Severity() > severity {
			return "harsher punishment pending"
		}
	}
	return ""
}

// rememberEpisode blocks equal or lower severities for the longest crossed window, or
// the floor, but never past the end of a timed punishment.
func (e *Engine) rememberEpisode(guildID, userID string, p models.PunishmentSpec, crossed []models.ViolationRule) {
	ttl := e.episodeFloor
	for _, r := range crossed {
		if r.Window > ttl {
			ttl = r.Window
		}
	}
	if p.Timed() && *p.Duration < ttl {
		ttl = *p.Duration
	}
	if ttl <= 0 {
		return
	}

	key := episodeKey(guildID, userID)
	severity := p.Kind.Severity()
	if e.episodes.SetWithTTL(key, severity, 1, ttl) {
		e.episodes.Wait()
		if _, ok := e.episodes.Get(key); ok {
			e.overflow.Delete(key)
			return
		}
	}
	// rejected by the cache admission policy
	e.logger.Warn("episode cache dropped entry, using fallback",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID))
	core.MetricEpisodeFallback.Inc()
	e.overflow.Store(key, episodeMark{severity: severity, until: time.Now().Add(ttl)})
}

// episodeMark is an episode the cache refused to hold
type episodeMark struct {
	severity int
	until    time.Time
}

// episodeSeverity returns the severity applied in the running episode of a member
func (e *Engine) episodeSeverity(guildID, userID string) (int, bool) {
	key := episodeKey(guildID, userID)
	if v, ok := e.episodes.Get(key); ok {
		prev, _ := v.(int)
		return prev, true
	}
	v, ok := e.overflow.Load(key)
	if !ok {
		return 0, false
	}
	mark := v.(episodeMark)
	if time.Now().After(mark.until) {
		e.overflow.CompareAndDelete(key, v)
		return 0, false
	}
	return mark.severity, true
}

// scheduled is a row as stored by schedule, with what rollback needs to undo it
type scheduled struct {
	row      models.ScheduledPunishment
	inserted bool
	replaced *models.ScheduledPunishment
}

// schedule stores row. An existing row of the same key that expires earlier, expired
// ones included, is replaced; a later one is kept and returned instead.
func (e *Engine) schedule(ctx context.Context, row models.ScheduledPunishment) (scheduled, error) {
	ok, err := e.store.Add(ctx, row)
	if err != nil {
		return scheduled{}, err
	}
	if ok {
		return scheduled{row: row, inserted: true}, nil
	}

	pending, err := e.store.GetForUser(ctx, row.GuildID, row.UserID)
	if err != nil {
		return scheduled{}, err
	}
	var existing *models.ScheduledPunishment
	for i := range pending {
		if pending[i].Key() == row.Key() {
			existing = &pending[i]
			break
		}
	}
	if existing != nil && existing.ExpiryTicks >= row.ExpiryTicks {
		return scheduled{row: *existing}, nil
	}
	if existing != nil {
		if err := e.store.Delete(ctx, *existing); err != nil {
			return scheduled{}, err
		}
	}
	ok, err = e.store.Add(ctx, row)
	if err != nil {
		return scheduled{}, err
	}
	if !ok {
		return scheduled{}, errors.NewWithDetails("timed punishment changed concurrently", "key", row.Key())
	}
	return scheduled{row: row, inserted: true, replaced: existing}, nil
}

// rollback undoes schedule after the punishment itself failed
func (e *Engine) rollback(ctx context.Context, s scheduled, log *zap.Logger) {
	if !s.inserted {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.store.Delete(ctx, s.row); err != nil {
		log.Warn("failed to drop reversal of failed punishment", zap.Error(err))
		return
	}
	if s.replaced == nil {
		return
	}
	// the earlier punishment still needs its reversal
	if _, err := e.store.Add(ctx, *s.replaced); err != nil {
		log.Error("failed to restore replaced reversal", zap.Error(err))
	}
}

func (e *Engine) resetAll(guildID, userID string, crossed []models.ViolationRule, at time.Time) {
	if e.resetter == nil {
		return
	}
	for _, r := range crossed {
		e.resetter.Reset(guildID, userID, r, at)
	}
}
