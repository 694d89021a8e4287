package database

import (
	"context"
	"database/sql"

	"discord-automod-bot/internal/models"

	"github.com/lib/pq"
)

// TimedPunishments is the SQL implementation of the scheduled reversal store
type TimedPunishments struct {
	d *Database
}

// TimedPunishments returns the store backed by this database
func (d *Database) TimedPunishments() *TimedPunishments {
	return &TimedPunishments{d: d}
}

// Add inserts the row unless its key already exists
func (t *TimedPunishments) Add(ctx context.Context, p models.ScheduledPunishment) (bool, error) {
	res, err := t.d.db.ExecContext(ctx, t.d.db.Rebind(`
		INSERT INTO automod_timed_punishments (guild_id, user_id, kind, role_id, expiry_ticks)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`), p.GuildID, p.UserID, p.Kind, p.RoleID, p.ExpiryTicks)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes the row of p's key while it still carries p's expiry.
// Missing or replaced rows are left alone.
func (t *TimedPunishments) Delete(ctx context.Context, p models.ScheduledPunishment) error {
	_, err := t.d.db.ExecContext(ctx, t.d.db.Rebind(`
		DELETE FROM automod_timed_punishments
		WHERE guild_id = ? AND user_id = ? AND kind = ? AND expiry_ticks = ?
	`), p.GuildID, p.UserID, p.Kind, p.ExpiryTicks)
	return err
}

// BulkDelete removes many rows in one statement on Postgres and one transaction on SQLite.
// Rows match on key and expiry like Delete.
func (t *TimedPunishments) BulkDelete(ctx context.Context, ps []models.ScheduledPunishment) error {
	if len(ps) == 0 {
		return nil
	}

	if t.d.driver == "postgres" {
		guilds := make([]string, len(ps))
		users := make([]string, len(ps))
		kinds := make([]string, len(ps))
		expiries := make([]int64, len(ps))
		for i, p := range ps {
			guilds[i], users[i], kinds[i], expiries[i] = p.GuildID, p.UserID, string(p.Kind), p.ExpiryTicks
		}
		_, err := t.d.db.ExecContext(ctx, `
			DELETE FROM automod_timed_punishments t
			USING unnest($1::text[], $2::text[], $3::text[], $4::bigint[]) AS k(guild_id, user_id, kind, expiry_ticks)
			WHERE t.guild_id = k.guild_id AND t.user_id = k.user_id AND t.kind = k.kind
				AND t.expiry_ticks = k.expiry_ticks
		`, pq.Array(guilds), pq.Array(users), pq.Array(kinds), pq.Array(expiries))
		return err
	}

	tx, err := t.d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		DELETE FROM automod_timed_punishments
		WHERE guild_id = ? AND user_id = ? AND kind = ? AND expiry_ticks = ?
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range ps {
		if _, err := stmt.ExecContext(ctx, p.GuildID, p.UserID, p.Kind, p.ExpiryTicks); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetExpired returns every row that expired strictly before nowTicks, oldest first
func (t *TimedPunishments) GetExpired(ctx context.Context, nowTicks int64) ([]models.ScheduledPunishment, error) {
	var rows []models.ScheduledPunishment
	err := t.d.db.SelectContext(ctx, &rows, t.d.db.Rebind(`
		SELECT guild_id, user_id, kind, role_id, expiry_ticks
		FROM automod_timed_punishments
		WHERE expiry_ticks < ?
		ORDER BY expiry_ticks, guild_id, user_id, kind
	`), nowTicks)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rows, err
}

// GetForUser returns the pending rows of one member
func (t *TimedPunishments) GetForUser(ctx context.Context, guildID, userID string) ([]models.ScheduledPunishment, error) {
	var rows []models.ScheduledPunishment
	err := t.d.db.SelectContext(ctx, &rows, t.d.db.Rebind(`
		SELECT guild_id, user_id, kind, role_id, expiry_ticks
		FROM automod_timed_punishments
		WHERE guild_id = ? AND user_id = ?
	`), guildID, userID)
	return rows, err
}

// Count returns the number of pending rows
func (t *TimedPunishments) Count(ctx context.Context) (int, error) {
	var n int
	err := t.d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM automod_timed_punishments`)
	return n, err
}
