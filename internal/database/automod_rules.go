package database

import (
	"context"
	"database/sql"
	"time"

	"discord-automod-bot/internal/models"
)

type guildConfigRow struct {
	GuildID               string         `db:"guild_id"`
	Enabled               bool           `db:"enabled"`
	IgnoreAdmins          bool           `db:"ignore_admins"`
	IgnoreHigherHierarchy bool           `db:"ignore_higher_hierarchy"`
	MuteRoleID            sql.NullString `db:"mute_role_id"`
	LogsChannel           sql.NullString `db:"logs_channel"`
}

type ruleRow struct {
	Kind       string         `db:"kind"`
	Metric     string         `db:"metric"`
	Size       int            `db:"size"`
	Instances  int            `db:"instances"`
	WindowMs   int64          `db:"window_ms"`
	Punishment string         `db:"punishment"`
	DurationMs sql.NullInt64  `db:"duration_ms"`
	RoleID     sql.NullString `db:"role_id"`
	Enabled    bool           `db:"enabled"`
}

// GuildRules loads the automod configuration of a guild, nil when it has none
func (d *Database) GuildRules(ctx context.Context, guildID string) (*models.GuildRules, error) {
	var cfg guildConfigRow
	err := d.db.GetContext(ctx, &cfg, d.db.Rebind(`
		SELECT guild_id, enabled, ignore_admins, ignore_higher_hierarchy, mute_role_id, logs_channel
		FROM automod_guild_config
		WHERE guild_id = ?
	`), guildID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rows []ruleRow
	err = d.db.SelectContext(ctx, &rows, d.db.Rebind(`
		SELECT kind, metric, size, instances, window_ms, punishment, duration_ms, role_id, enabled
		FROM automod_rules
		WHERE guild_id = ?
		ORDER BY position
	`), guildID)
	if err != nil {
		return nil, err
	}

	g := &models.GuildRules{
		GuildID:               cfg.GuildID,
		Enabled:               cfg.Enabled,
		IgnoreAdmins:          cfg.IgnoreAdmins,
		IgnoreHigherHierarchy: cfg.IgnoreHigherHierarchy,
		MuteRoleID:            cfg.MuteRoleID.String,
		LogsChannel:           cfg.LogsChannel.String,
		Rules:                 make([]models.ViolationRule, 0, len(rows)),
	}
	for _, r := range rows {
		rule := models.ViolationRule{
			Kind:      models.RuleKind(r.Kind),
			Metric:    models.Metric(r.Metric),
			Size:      r.Size,
			Instances: r.Instances,
			Window:    time.Duration(r.WindowMs) * time.Millisecond,
			Enabled:   r.Enabled,
			Punishment: models.PunishmentSpec{
				Kind:   models.PunishmentKind(r.Punishment),
				RoleID: r.RoleID.String,
			},
		}
		if r.DurationMs.Valid {
			rule.Punishment.Duration = models.DurationPtr(time.Duration(r.DurationMs.Int64) * time.Millisecond)
		}
		g.Rules = append(g.Rules, rule)
	}
	return g, nil
}

// GuildIDs lists every guild with an automod configuration
func (d *Database) GuildIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := d.db.SelectContext(ctx, &ids, `SELECT guild_id FROM automod_guild_config ORDER BY guild_id`)
	return ids, err
}

// SaveGuildRules replaces the configuration and rules of a guild
func (d *Database) SaveGuildRules(ctx context.Context, g *models.GuildRules) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO automod_guild_config (guild_id, enabled, ignore_admins, ignore_higher_hierarchy, mute_role_id, logs_channel, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (guild_id) DO UPDATE
		SET enabled = excluded.enabled,
			ignore_admins = excluded.ignore_admins,
			ignore_higher_hierarchy = excluded.ignore_higher_hierarchy,
			mute_role_id = excluded.mute_role_id,
			logs_channel = excluded.logs_channel,
			updated_at = excluded.updated_at
	`), g.GuildID, g.Enabled, g.IgnoreAdmins, g.IgnoreHigherHierarchy,
		models.StringPtr(g.MuteRoleID), models.StringPtr(g.LogsChannel), models.Now())
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM automod_rules WHERE guild_id = ?`), g.GuildID); err != nil {
		return err
	}

	for i, r := range g.Rules {
		var durationMs *int64
		if r.Punishment.Duration != nil {
			ms := r.Punishment.Duration.Milliseconds()
			durationMs = &ms
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO automod_rules (guild_id, position, kind, metric, size, instances, window_ms, punishment, duration_ms, role_id, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), g.GuildID, i, r.Kind, r.Metric, r.Size, r.Instances, r.Window.Milliseconds(),
			r.Punishment.Kind, durationMs, models.StringPtr(r.Punishment.RoleID), r.Enabled)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DeleteGuildRules removes a guild's configuration and rules
func (d *Database) DeleteGuildRules(ctx context.Context, guildID string) error {
	if _, err := d.db.ExecContext(ctx, d.db.Rebind(`DELETE FROM automod_rules WHERE guild_id = ?`), guildID); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`DELETE FROM automod_guild_config WHERE guild_id = ?`), guildID)
	return err
}
