package core

import (
	"discord-automod-bot/internal/models"

	"emperror.dev/errors"
)

// ValidateGuildRules checks every rule of g and returns all problems combined.
// RoleMute rules without a role inherit the guild mute role before validation.
func ValidateGuildRules(g *models.GuildRules) error {
	if g == nil {
		return &ConfigError{Index: -1, Field: "guild", Reason: "missing"}
	}
	if g.GuildID == "" {
		return &ConfigError{Index: -1, Field: "guild_id", Reason: "empty"}
	}

	var errs []error
	for i := range g.Rules {
		r := &g.Rules[i]
		if r.Punishment.Kind == models.PunishmentRoleMute && r.Punishment.RoleID == "" {
			r.Punishment.RoleID = g.MuteRoleID
		}
		errs = append(errs, validateRule(g.GuildID, i, *r)...)
	}
	return errors.Combine(errs...)
}

func validateRule(guildID string, i int, r models.ViolationRule) []error {
	var errs []error
	bad := func(field, reason string) {
		errs = append(errs, &ConfigError{GuildID: guildID, Index: i, Field: field, Reason: reason})
	}

	switch r.Kind {
	case models.RuleSpam:
		if r.Metric == models.MetricJoinCount {
			bad("metric", "spam rules cannot count joins")
		}
	case models.RuleRaid:
		if r.Metric != models.MetricJoinCount {
			bad("metric", "raid rules must count joins")
		}
	default:
		bad("kind", "unknown rule kind "+string(r.Kind))
	}

	switch r.Metric {
	case models.MetricMessageCount, models.MetricLongMessage, models.MetricLinkCount,
		models.MetricImageCount, models.MetricMentionCount, models.MetricJoinCount:
	default:
		bad("metric", "unknown metric "+string(r.Metric))
	}

	if r.Size < 0 {
		bad("size", "must not be negative")
	}
	if r.Instances < 1 {
		bad("instances", "must be at least 1")
	}
	if r.Window <= 0 {
		bad("window", "must be positive")
	}

	p := r.Punishment
	if !p.Kind.Valid() {
		bad("punishment.kind", "unknown punishment "+string(p.Kind))
		return errs
	}
	if p.Duration != nil {
		if *p.Duration <= 0 {
			bad("punishment.duration", "must be positive when set")
		}
		if !p.Kind.Reversible() {
			bad("punishment.duration", models.GetPunishmentDisplayName(p.Kind)+" cannot be timed")
		}
	}
	if p.Kind == models.PunishmentRoleMute && p.RoleID == "" {
		bad("punishment.role_id", "role mute needs a role and the guild has no mute role")
	}
	return errs
}

// EnabledRules returns the enabled rules of g, nil when automod is off for the guild
func EnabledRules(g *models.GuildRules) []models.ViolationRule {
	if g == nil || !g.Enabled {
		return nil
	}
	out := make([]models.ViolationRule, 0, len(g.Rules))
	for _, r := range g.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}
