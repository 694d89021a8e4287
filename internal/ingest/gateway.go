package ingest

import (
	"context"
	"time"

	"discord-automod-bot/internal/models"

	"emperror.dev/errors"
	"github.com/bwmarrin/discordgo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Sink receives parsed automod events
type Sink interface {
	HandleMessage(ctx context.Context, ev models.MessageEvent)
	HandleJoin(ctx context.Context, ev models.JoinEvent)
}

// Gateway turns raw dispatch payloads into automod events
type Gateway struct {
	sink   Sink
	ctx    context.Context
	logger *zap.Logger
}

// NewGateway creates a gateway feeding sink. ctx bounds every handled event.
func NewGateway(ctx context.Context, sink Sink, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{sink: sink, ctx: ctx, logger: logger}
}

// HandleEvent is registered with discordgo.Session.AddHandler
func (g *Gateway) HandleEvent(_ *discordgo.Session, e *discordgo.Event) {
	if len(e.RawData) == 0 {
		return
	}
	switch e.Type {
	case "MESSAGE_CREATE":
		ev, ok, err := ParseMessageCreate(e.RawData)
		if err != nil {
			g.logger.Debug("dropping malformed message", zap.Error(err))
			return
		}
		if ok {
			g.sink.HandleMessage(g.ctx, ev)
		}
	case "GUILD_MEMBER_ADD":
		ev, ok, err := ParseMemberAdd(e.RawData)
		if err != nil {
			g.logger.Debug("dropping malformed join", zap.Error(err))
			return
		}
		if ok {
			g.sink.HandleJoin(g.ctx, ev)
		}
	}
}

// ParseMessageCreate extracts a MessageEvent from a MESSAGE_CREATE payload.
// ok is false for messages automod ignores: DMs, bots and webhooks.
func ParseMessageCreate(data []byte) (models.MessageEvent, bool, error) {
	if !gjson.ValidBytes(data) {
		return models.MessageEvent{}, false, errors.New("invalid json")
	}
	res := gjson.ParseBytes(data)

	guildID := res.Get("guild_id").String()
	if guildID == "" {
		return models.MessageEvent{}, false, nil
	}
	if res.Get("webhook_id").Exists() || res.Get("author.bot").Bool() {
		return models.MessageEvent{}, false, nil
	}
	userID := res.Get("author.id").String()
	if userID == "" {
		return models.MessageEvent{}, false, errors.New("message without author")
	}

	ev := models.MessageEvent{
		GuildID:         guildID,
		UserID:          userID,
		ChannelID:       res.Get("channel_id").String(),
		MessageID:       res.Get("id").String(),
		Content:         res.Get("content").String(),
		AttachmentCount: len(res.Get("attachments").Array()),
		EmbedCount:      countImageEmbeds(res.Get("embeds")),
		Timestamp:       parseTime(res.Get("timestamp").String()),
	}
	res.Get("mentions").ForEach(func(_, m gjson.Result) bool {
		if id := m.Get("id").String(); id != "" {
			ev.MentionedUserIDs = append(ev.MentionedUserIDs, id)
		}
		return true
	})
	return ev, true, nil
}

// countImageEmbeds counts embeds that render media
func countImageEmbeds(embeds gjson.Result) int {
	n := 0
	embeds.ForEach(func(_, e gjson.Result) bool {
		switch e.Get("type").String() {
		case "image", "gifv", "video":
			n++
		default:
			if e.Get("image.url").Exists() || e.Get("thumbnail.url").Exists() {
				n++
			}
		}
		return true
	})
	return n
}

// ParseMemberAdd extracts a JoinEvent from a GUILD_MEMBER_ADD payload.
// Bots joining are ignored.
func ParseMemberAdd(data []byte) (models.JoinEvent, bool, error) {
	if !gjson.ValidBytes(data) {
		return models.JoinEvent{}, false, errors.New("invalid json")
	}
	res := gjson.ParseBytes(data)

	guildID := res.Get("guild_id").String()
	userID := res.Get("user.id").String()
	if guildID == "" || userID == "" {
		return models.JoinEvent{}, false, errors.New("member add without guild or user")
	}
	if res.Get("user.bot").Bool() {
		return models.JoinEvent{}, false, nil
	}
	return models.JoinEvent{
		GuildID:   guildID,
		UserID:    userID,
		Timestamp: parseTime(res.Get("joined_at").String()),
	}, true, nil
}

// parseTime returns the zero time when s is missing or malformed, the detector then uses its clock
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
