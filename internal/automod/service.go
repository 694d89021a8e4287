package automod

import (
	"context"
	"sync"
	"time"

	"discord-automod-bot/internal/automod/background"
	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/automod/detector"
	"discord-automod-bot/internal/automod/engine"
	"discord-automod-bot/internal/automod/scheduler"
	"discord-automod-bot/internal/models"

	"emperror.dev/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config of the automod service
type Config struct {
	Scheduler scheduler.Config
	// IdleTTL is how long an untouched window survives the janitor
	IdleTTL time.Duration
	// JanitorInterval is the time between two window cleanups
	JanitorInterval time.Duration
	// EpisodeFloor is the minimum lifetime of an episode guard
	EpisodeFloor time.Duration
	// MaxParallel bounds the concurrent punishments of a single raid decision
	MaxParallel int
}

func (c *Config) setDefaults() {
	if c.IdleTTL <= 0 {
		c.IdleTTL = time.Hour
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 5 * time.Minute
	}
	if c.EpisodeFloor <= 0 {
		c.EpisodeFloor = 5 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
}

// Deps are the collaborators of the service
type Deps struct {
	Store    core.Store
	Enforcer core.Enforcer
	Rules    background.RuleSource
	// Inspector backs the ignore flags, nil disables them
	Inspector core.MemberInspector
	// Invalidate drops cached rules of a guild before a reload, optional
	Invalidate func(ctx context.Context, guildID string)
	Reporter   core.Reporter
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Service wires the detector, engine and scheduler to inbound events
type Service struct {
	rules      *core.RuleCache
	windows    *core.WindowStore
	detector   *detector.Detector
	engine     *engine.Engine
	scheduler  *scheduler.Scheduler
	loader     *background.RuleLoader
	inspector  core.MemberInspector
	invalidate func(ctx context.Context, guildID string)
	logger     *zap.Logger
	cfg        Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	janitor chan struct{}
}

// New creates a stopped service
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Store == nil || deps.Enforcer == nil || deps.Rules == nil {
		return nil, errors.New("automod needs a store, an enforcer and a rule source")
	}
	cfg.setDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Reporter == nil {
		deps.Reporter = core.NewLogReporter(deps.Logger)
	}

	s := &Service{
		rules:      core.NewRuleCache(),
		windows:    core.NewWindowStore(),
		inspector:  deps.Inspector,
		invalidate: deps.Invalidate,
		logger:     deps.Logger,
		cfg:        cfg,
	}
	locks := core.NewKeyLock[core.MemberKey]()

	s.detector = detector.NewDetector(s.windows,
		detector.WithClock(deps.Clock),
		detector.WithLogger(deps.Logger.Named("detector")))

	eng, err := engine.New(deps.Store, deps.Enforcer, s.detector,
		engine.WithReporter(deps.Reporter),
		engine.WithLogger(deps.Logger.Named("engine")),
		engine.WithClock(deps.Clock),
		engine.WithLocks(locks),
		engine.WithEpisodeFloor(cfg.EpisodeFloor))
	if err != nil {
		return nil, err
	}
	s.engine = eng

	s.scheduler = scheduler.New(deps.Store, deps.Enforcer, cfg.Scheduler,
		scheduler.WithReporter(deps.Reporter),
		scheduler.WithLogger(deps.Logger.Named("scheduler")),
		scheduler.WithClock(deps.Clock),
		scheduler.WithLocks(locks))

	s.loader = background.NewRuleLoader(s.rules, deps.Rules, deps.Logger.Named("rules"), s.detector.ResetGuild)
	return s, nil
}

// Start loads every guild's rules, then starts the scheduler and the window janitor.
// A failure to list guilds is returned; invalid guilds are only logged.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.loader.WarmAll(ctx, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.janitor = make(chan struct{})

	s.scheduler.Start(runCtx)
	go s.runJanitor(runCtx, s.janitor)

	s.logger.Info("automod started",
		zap.Int("guilds", s.rules.Len()),
		zap.Duration("poll_interval", s.cfg.Scheduler.PollInterval))
	return nil
}

// Stop halts the scheduler and the janitor and waits for both
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, janitor := s.cancel, s.janitor
	s.cancel, s.janitor = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.scheduler.Stop()
	<-janitor
	s.engine.Close()
	s.logger.Info("automod stopped")
}

func (s *Service) runJanitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.detector.Cleanup(s.cfg.IdleTTL); n > 0 {
				s.logger.Debug("dropped idle windows", zap.Int("windows", n))
			}
		}
	}
}

// WarmGuild reloads the rules of one guild, called after its settings changed
func (s *Service) WarmGuild(ctx context.Context, guildID string) error {
	if s.invalidate != nil {
		s.invalidate(ctx, guildID)
	}
	return s.loader.WarmGuild(ctx, guildID)
}

// Sweep runs a single reversal pass and returns the number of rows handled
func (s *Service) Sweep(ctx context.Context) int {
	return s.scheduler.RunOnce(ctx)
}

// Rules returns the loaded rules of a guild
func (s *Service) Rules(guildID string) *models.GuildRules {
	return s.rules.Get(guildID)
}

func (s *Service) HandleMessage(ctx context.Context, ev models.MessageEvent) {
	s.handle(ctx, ev)
}

func (s *Service) HandleJoin(ctx context.Context, ev models.JoinEvent) {
	s.handle(ctx, ev)
}

// handle evaluates ev and punishes every affected user. Raid decisions fan out
// to all joiners in the window with bounded parallelism.
func (s *Service) handle(ctx context.Context, ev models.Event) []engine.Result {
	g := s.rules.Get(ev.EventGuildID())
	rules := core.EnabledRules(g)
	if len(rules) == 0 {
		return nil
	}

	dec := s.detector.Evaluate(ev, rules)
	if !dec.Fired() {
		return nil
	}

	byUser := dec.ByUser()
	results := make([]engine.Result, len(byUser))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.MaxParallel)
	for i, ur := range byUser {
		i, ur := i, ur
		eg.Go(func() error {
			results[i] = s.punish(egCtx, g, dec.At, ur)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (s *Service) punish(ctx context.Context, g *models.GuildRules, at time.Time, ur detector.UserRules) engine.Result {
	log := s.logger.With(zap.String("guild_id", g.GuildID), zap.String("user_id", ur.UserID))

	if reason := s.ignored(ctx, g, ur.UserID); reason != "" {
		for _, r := range ur.Rules {
			s.detector.Reset(g.GuildID, ur.UserID, r, at)
		}
		log.Debug("member exempt from automod", zap.String("reason", reason))
		return engine.Result{Outcome: engine.OutcomeSkipped, Reason: reason}
	}

	res, err := s.engine.Apply(ctx, g.GuildID, ur.UserID, ur.Rules)
	if err != nil {
		log.Warn("automod punishment failed",
			zap.String("punishment", string(res.Punishment.Kind)),
			zap.Error(err))
	}
	return res
}

// ignored returns why a member is exempt, or "". Lookup failures do not exempt.
func (s *Service) ignored(ctx context.Context, g *models.GuildRules, userID string) string {
	if s.inspector == nil {
		return ""
	}
	if g.IgnoreAdmins {
		admin, err := s.inspector.IsAdmin(ctx, g.GuildID, userID)
		if err != nil {
			s.logger.Debug("admin check failed", zap.String("user_id", userID), zap.Error(err))
		} else if admin {
			return "administrator"
		}
	}
	if g.IgnoreHigherHierarchy {
		higher, err := s.inspector.OutranksBot(ctx, g.GuildID, userID)
		if err != nil {
			s.logger.Debug("hierarchy check failed", zap.String("user_id", userID), zap.Error(err))
		} else if higher {
			return "outranks bot"
		}
	}
	return ""
}
