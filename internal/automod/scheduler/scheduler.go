package scheduler

import (
	"context"
	"sync"
	"time"

	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/models"

	"go.uber.org/zap"
)

// Config of the reversal loop
type Config struct {
	// PollInterval is the time between two passes
	PollInterval time.Duration
	// LockTimeout bounds the wait for a member that is being punished right now.
	// Rows whose member stays locked are retried on the next pass.
	LockTimeout time.Duration
	// RowTimeout bounds the reverse and delete of one row
	RowTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 2 * time.Second
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = 30 * time.Second
	}
}

// Scheduler reverses timed punishments once they expire.
// The store is the only record of pending work.
type Scheduler struct {
	store    core.Store
	enforcer core.Enforcer
	locks    *core.KeyLock[core.MemberKey]
	reporter core.Reporter
	logger   *zap.Logger
	now      func() time.Time
	cfg      Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	passMu       sync.Mutex
	failing      map[string]struct{} // rows already alerted on, guarded by passMu
	storeFailing bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

func WithReporter(r core.Reporter) Option {
	return func(s *Scheduler) { s.reporter = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLocks shares the per member locks with the engine
func WithLocks(l *core.KeyLock[core.MemberKey]) Option {
	return func(s *Scheduler) { s.locks = l }
}

// New creates a stopped scheduler
func New(store core.Store, enforcer core.Enforcer, cfg Config, opts ...Option) *Scheduler {
	cfg.setDefaults()
	s := &Scheduler{
		store:    store,
		enforcer: enforcer,
		cfg:      cfg,
		now:      time.Now,
		failing:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.reporter == nil {
		s.reporter = core.NewLogReporter(s.logger)
	}
	if s.locks == nil {
		s.locks = core.NewKeyLock[core.MemberKey]()
	}
	return s
}

// Start runs a catch-up pass and then polls until ctx is done or Stop is called.
// Starting a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info("scheduler started", zap.Duration("poll_interval", s.cfg.PollInterval))
}

// Running reports whether the loop is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop cancels the loop and waits for the row in progress to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce reverses every row expired at the time of the call and returns how many
// were completed. Cancelling ctx stops the pass between rows, never inside one.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	started := time.Now()
	defer func() {
		core.MetricSchedulerPass.Observe(time.Since(started).Seconds())
	}()

	rows, err := s.store.GetExpired(ctx, s.now().UnixMilli())
	if err != nil {
		if !s.storeFailing && ctx.Err() == nil {
			s.logger.Error("failed to fetch expired punishments", zap.Error(core.Persistence("get_expired", err)))
		}
		s.storeFailing = true
		return 0
	}
	if s.storeFailing {
		s.logger.Info("timed punishment store reachable again")
		s.storeFailing = false
	}
	core.MetricExpiredRows.Set(float64(len(rows)))

	seen := make(map[string]struct{}, len(rows))
	completed := 0
	for _, row := range rows {
		seen[row.Key()] = struct{}{}
		if ctx.Err() != nil {
			break
		}
		if s.process(ctx, row) {
			completed++
		}
	}

	// rows removed out of band no longer need an alert
	if ctx.Err() == nil {
		for k := range s.failing {
			if _, ok := seen[k]; !ok {
				delete(s.failing, k)
			}
		}
	}

	if completed > 0 {
		s.logger.Info("reversed expired punishments", zap.Int("count", completed), zap.Int("expired", len(rows)))
	}
	return completed
}

// process reverses and deletes one row. It reports whether the row is gone.
func (s *Scheduler) process(ctx context.Context, row models.ScheduledPunishment) bool {
	log := s.logger.With(
		zap.String("guild_id", row.GuildID),
		zap.String("user_id", row.UserID),
		zap.String("kind", string(row.Kind)))

	key := core.MemberKey{GuildID: row.GuildID, UserID: row.UserID}
	lockCtx, cancelLock := context.WithTimeout(ctx, s.cfg.LockTimeout)
	err := s.locks.Lock(lockCtx, key)
	cancelLock()
	if err != nil {
		log.Debug("member busy, retrying next pass")
		return false
	}
	defer s.locks.Unlock(key)

	// once started, a row runs to completion even if the pass is cancelled
	rowCtx, cancelRow := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RowTimeout)
	defer cancelRow()

	// the row was read before the lock, a new punishment may have replaced it since
	due, err := s.stillDue(rowCtx, row)
	if err != nil {
		log.Warn("failed to recheck expired punishment", zap.Error(core.Persistence("get_for_user", err)))
		return false
	}
	if !due {
		delete(s.failing, row.Key())
		log.Debug("punishment replaced before its reversal, skipping")
		return false
	}

	report := core.Report{
		GuildID:    row.GuildID,
		UserID:     row.UserID,
		Punishment: models.PunishmentSpec{Kind: row.Kind, RoleID: row.Role()},
		Expiry:     row.Expiry(),
		At:         s.now(),
	}

	err = core.Reverse(rowCtx, s.enforcer, row, "Automod: punishment expired")
	if err != nil && !core.IsPermanent(err) {
		if _, alerted := s.failing[row.Key()]; !alerted {
			s.failing[row.Key()] = struct{}{}
			report.Err = err
			s.reporter.ReversalFailing(rowCtx, report)
		}
		core.MetricReversals.WithLabelValues(string(row.Kind), "retry").Inc()
		return false
	}

	if err := s.store.Delete(rowCtx, row); err != nil {
		// reversal is idempotent, the next pass repeats it
		log.Warn("reversed but failed to delete row", zap.Error(core.Persistence("delete", err)))
		return false
	}

	_, wasFailing := s.failing[row.Key()]
	delete(s.failing, row.Key())

	if err != nil {
		report.Err = err
		s.reporter.EnforcementFailed(rowCtx, report)
		core.MetricReversals.WithLabelValues(string(row.Kind), "dropped").Inc()
		return true
	}

	if wasFailing {
		s.reporter.ReversalRecovered(rowCtx, report)
	}
	s.reporter.PunishmentReversed(rowCtx, report)
	core.MetricReversals.WithLabelValues(string(row.Kind), "reversed").Inc()
	return true
}

// stillDue reports whether the stored row of row's key is unchanged and expired
func (s *Scheduler) stillDue(ctx context.Context, row models.ScheduledPunishment) (bool, error) {
	pending, err := s.store.GetForUser(ctx, row.GuildID, row.UserID)
	if err != nil {
		return false, err
	}
	for _, p := range pending {
		if p.Key() == row.Key() {
			return p.ExpiryTicks == row.ExpiryTicks && p.ExpiryTicks < s.now().UnixMilli(), nil
		}
	}
	return false, nil
}
