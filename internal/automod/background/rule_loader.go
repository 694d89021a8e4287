package background

import (
	"context"

	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/models"

	"emperror.dev/errors"
	"go.uber.org/zap"
)

// RuleSource is the settings collaborator that owns guild rules
type RuleSource interface {
	// GuildRules returns the rules of a guild, nil when the guild has none
	GuildRules(ctx context.Context, guildID string) (*models.GuildRules, error)
	GuildIDs(ctx context.Context) ([]string, error)
}

// RuleLoader validates rules from a source and warms the rule cache.
// There is no automatic refresh, only startup and explicit warm calls.
type RuleLoader struct {
	cache    *core.RuleCache
	source   RuleSource
	logger   *zap.Logger
	onChange func(guildID string)
}

// NewRuleLoader creates a loader. onChange runs after a guild's rules were replaced.
func NewRuleLoader(cache *core.RuleCache, source RuleSource, logger *zap.Logger, onChange func(guildID string)) *RuleLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleLoader{
		cache:    cache,
		source:   source,
		logger:   logger,
		onChange: onChange,
	}
}

// WarmAll loads every given guild, or every guild the source knows when guildIDs is nil.
// Invalid guilds are logged and skipped.
func (l *RuleLoader) WarmAll(ctx context.Context, guildIDs []string) (int, error) {
	if guildIDs == nil {
		ids, err := l.source.GuildIDs(ctx)
		if err != nil {
			return 0, errors.WrapIf(err, "failed to list guilds with automod rules")
		}
		guildIDs = ids
	}

	warmed := 0
	for _, guildID := range guildIDs {
		if err := l.WarmGuild(ctx, guildID); err != nil {
			l.logger.Warn("failed to load automod rules", zap.String("guild_id", guildID), zap.Error(err))
			continue
		}
		if g := l.cache.Get(guildID); g != nil && g.Enabled {
			warmed++
		}
	}

	l.logger.Info("automod rules loaded", zap.Int("guilds", len(guildIDs)), zap.Int("enabled", warmed))
	return warmed, nil
}

// WarmGuild reloads one guild. Invalid rules are rejected with a ConfigError and the
// previously loaded rules stay active.
func (l *RuleLoader) WarmGuild(ctx context.Context, guildID string) error {
	g, err := l.source.GuildRules(ctx, guildID)
	if err != nil {
		return errors.WrapIfWithDetails(err, "failed to fetch rules", "guild_id", guildID)
	}
	if g == nil {
		l.cache.Delete(guildID)
		l.changed(guildID)
		return nil
	}
	if err := core.ValidateGuildRules(g); err != nil {
		return err
	}

	l.cache.Set(g)
	l.changed(guildID)
	l.logger.Debug("warmed automod rules",
		zap.String("guild_id", guildID),
		zap.Bool("enabled", g.Enabled),
		zap.Int("rules", len(g.Rules)))
	return nil
}

func (l *RuleLoader) changed(guildID string) {
	if l.onChange != nil {
		l.onChange(guildID)
	}
}
