package redis

import (
	"context"
	"strconv"
	"strings"

	"discord-automod-bot/internal/models"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Layout:
//   timed:row:{<guild>:<user>}:<kind>  JSON encoded row
//   timed:user:{<guild>:<user>}        set of row members of one member
//   timed:expiry                       zset of row members scored by expiry ticks
//
// A row member is "<guild>:<user>:<kind>". The row and user set of one member share a
// hash tag so the scripts below touch a single cluster slot.

// addScript inserts a row unless it exists
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// deleteScript removes a row while it still carries the expected expiry.
// Returns 1 when deleted, 2 when already gone and 0 when the row was replaced.
var deleteScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	redis.call('SREM', KEYS[2], ARGV[2])
	return 2
end
if cjson.decode(raw)['expiry_ticks'] ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

// unindexScript drops a member from the expiry index only at the given score
var unindexScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) == tonumber(ARGV[2]) then
	return redis.call('ZREM', KEYS[1], ARGV[1])
end
return 0
`)

// TimedPunishments is the Redis implementation of the scheduled reversal store
type TimedPunishments struct {
	c *Client
}

// TimedPunishments returns the store backed by this client
func (c *Client) TimedPunishments() *TimedPunishments {
	return &TimedPunishments{c: c}
}

func memberTag(guildID, userID string) string {
	return "{" + guildID + ":" + userID + "}"
}

func (t *TimedPunishments) rowKey(guildID, userID string, kind models.PunishmentKind) string {
	return t.c.Key("timed:row:" + memberTag(guildID, userID) + ":" + string(kind))
}

func (t *TimedPunishments) expiryKey() string {
	return t.c.Key("timed:expiry")
}

func (t *TimedPunishments) userKey(guildID, userID string) string {
	return t.c.Key("timed:user:" + memberTag(guildID, userID))
}

// splitMember parses "<guild>:<user>:<kind>"
func splitMember(m string) (guildID, userID string, kind models.PunishmentKind, ok bool) {
	parts := strings.SplitN(m, ":", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], models.PunishmentKind(parts[2]), true
}

func (t *TimedPunishments) Add(ctx context.Context, p models.ScheduledPunishment) (bool, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	member := p.Key()
	n, err := addScript.Run(ctx, t.c.client,
		[]string{t.rowKey(p.GuildID, p.UserID, p.Kind), t.userKey(p.GuildID, p.UserID)},
		payload, member,
	).Int()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := t.c.client.ZAdd(ctx, t.expiryKey(), redis.Z{Score: float64(p.ExpiryTicks), Member: member}).Err(); err != nil {
		// an unindexed row would never expire
		if derr := t.Delete(context.WithoutCancel(ctx), p); derr != nil {
			err = errors.Combine(err, derr)
		}
		return false, errors.WrapIf(err, "index timed punishment")
	}
	return true, nil
}

// Delete removes the row of p's key while it still carries p's expiry
func (t *TimedPunishments) Delete(ctx context.Context, p models.ScheduledPunishment) error {
	member := p.Key()
	n, err := deleteScript.Run(ctx, t.c.client,
		[]string{t.rowKey(p.GuildID, p.UserID, p.Kind), t.userKey(p.GuildID, p.UserID)},
		p.ExpiryTicks, member,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return unindexScript.Run(ctx, t.c.client, []string{t.expiryKey()}, member, p.ExpiryTicks).Err()
}

// BulkDelete deletes row by row, each member lives in its own slot
func (t *TimedPunishments) BulkDelete(ctx context.Context, ps []models.ScheduledPunishment) error {
	var errs []error
	for _, p := range ps {
		if err := t.Delete(ctx, p); err != nil {
			errs = append(errs, errors.WrapIfWithDetails(err, "delete timed punishment", "key", p.Key()))
		}
	}
	return errors.Combine(errs...)
}

func (t *TimedPunishments) GetExpired(ctx context.Context, nowTicks int64) ([]models.ScheduledPunishment, error) {
	members, err := t.c.client.ZRangeByScore(ctx, t.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(nowTicks, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	rows, err := t.load(ctx, members)
	if err != nil {
		return nil, err
	}
	// a row replaced since it was indexed may not be due yet
	due := rows[:0]
	for _, p := range rows {
		if p.ExpiryTicks < nowTicks {
			due = append(due, p)
		}
	}
	return due, nil
}

func (t *TimedPunishments) GetForUser(ctx context.Context, guildID, userID string) ([]models.ScheduledPunishment, error) {
	members, err := t.c.client.SMembers(ctx, t.userKey(guildID, userID)).Result()
	if err != nil {
		return nil, err
	}
	return t.load(ctx, members)
}

// load fetches rows by member and prunes index entries whose row vanished
func (t *TimedPunishments) load(ctx context.Context, members []string) ([]models.ScheduledPunishment, error) {
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, 0, len(members))
	valid := make([]string, 0, len(members))
	_, err := t.c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			g, u, kind, ok := splitMember(m)
			if !ok {
				continue
			}
			valid = append(valid, m)
			cmds = append(cmds, pipe.Get(ctx, t.rowKey(g, u, kind)))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	rows := make([]models.ScheduledPunishment, 0, len(cmds))
	var stale []string
	for i, cmd := range cmds {
		s, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, valid[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		var p models.ScheduledPunishment
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, err
		}
		rows = append(rows, p)
	}

	if err := t.prune(ctx, stale); err != nil {
		return nil, errors.WrapIf(err, "prune stale timed punishment index")
	}
	return rows, nil
}

func (t *TimedPunishments) prune(ctx context.Context, stale []string) error {
	if len(stale) == 0 {
		return nil
	}
	_, err := t.c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range stale {
			g, u, _, _ := splitMember(m)
			pipe.ZRem(ctx, t.expiryKey(), m)
			pipe.SRem(ctx, t.userKey(g, u), m)
		}
		return nil
	})
	return err
}
