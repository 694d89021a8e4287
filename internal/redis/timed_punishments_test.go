package redis

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"discord-automod-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to AUTOMOD_TEST_REDIS under a unique prefix
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("AUTOMOD_TEST_REDIS")
	if addr == "" {
		t.Skip("AUTOMOD_TEST_REDIS not set")
	}
	ctx := context.Background()
	prefix := "automod-test:" + strconv.FormatInt(time.Now().UnixNano(), 36) + ":"
	c, err := New(ctx, Config{Addr: addr, Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() {
		keys, _ := c.client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			c.client.Del(ctx, keys...)
		}
		c.Close()
	})
	return c
}

func TestRedisTimedPunishments(t *testing.T) {
	ctx := context.Background()
	store := newTestClient(t).TimedPunishments()

	ban := models.ScheduledPunishment{GuildID: "g", UserID: "u1", Kind: models.PunishmentBan, ExpiryTicks: 100}
	mute := models.ScheduledPunishment{GuildID: "g", UserID: "u1", Kind: models.PunishmentRoleMute, RoleID: models.StringPtr("r"), ExpiryTicks: 300}

	inserted, err := store.Add(ctx, ban)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := ban
	dup.ExpiryTicks = 999
	inserted, err = store.Add(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = store.Add(ctx, mute)
	require.NoError(t, err)

	rows, err := store.GetExpired(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = store.GetExpired(ctx, 101)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ban, rows[0])

	rows, err = store.GetForUser(ctx, "g", "u1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, store.Delete(ctx, ban))
	require.NoError(t, store.Delete(ctx, ban))
	rows, err = store.GetExpired(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r", rows[0].Role())

	require.NoError(t, store.BulkDelete(ctx, []models.ScheduledPunishment{mute, ban}))
	rows, err = store.GetForUser(ctx, "g", "u1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRedisDeleteKeepsReplacedRow(t *testing.T) {
	ctx := context.Background()
	store := newTestClient(t).TimedPunishments()

	old := models.ScheduledPunishment{GuildID: "g", UserID: "u1", Kind: models.PunishmentBan, ExpiryTicks: 100}
	_, err := store.Add(ctx, old)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, old))

	fresh := old
	fresh.ExpiryTicks = 5000
	inserted, err := store.Add(ctx, fresh)
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, store.Delete(ctx, old))
	rows, err := store.GetForUser(ctx, "g", "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5000), rows[0].ExpiryTicks)

	rows, err = store.GetExpired(ctx, 5001)
	require.NoError(t, err)
	assert.Equal(t, []models.ScheduledPunishment{fresh}, rows)
}

func TestRedisLoadPrunesVanishedRows(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	store := c.TimedPunishments()

	p := models.ScheduledPunishment{GuildID: "g", UserID: "u1", Kind: models.PunishmentDeafen, ExpiryTicks: 10}
	_, err := store.Add(ctx, p)
	require.NoError(t, err)
	require.NoError(t, c.client.Del(ctx, store.rowKey("g", "u1", models.PunishmentDeafen)).Err())

	rows, err := store.GetExpired(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, rows)

	n, err := c.client.ZCard(ctx, store.expiryKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.client.SCard(ctx, store.userKey("g", "u1")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisKeysShareMemberSlot(t *testing.T) {
	store := (&Client{prefix: "automod:"}).TimedPunishments()

	row := store.rowKey("g", "u1", models.PunishmentBan)
	user := store.userKey("g", "u1")
	assert.Equal(t, "automod:timed:row:{g:u1}:ban", row)
	assert.Equal(t, "automod:timed:user:{g:u1}", user)
}
