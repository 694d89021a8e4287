package acl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/models"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EmbedSender posts embeds to a channel. *discordgo.Session satisfies it.
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// LogEntry is one queued notification for a guild log channel
type LogEntry struct {
	Level     string // "info", "warn", "error"
	Action    string
	GuildID   string
	UserID    string
	Message   string
	Timestamp time.Time
}

// ChannelReporter posts automod notifications to each guild's log channel.
// Entries are batched per flush and each guild is rate limited.
type ChannelReporter struct {
	sender     EmbedSender
	channelFor func(guildID string) string
	logger     *zap.Logger

	queue         chan LogEntry
	batchInterval time.Duration
	batchSize     int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	limit      rate.Limit
	burst      int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewChannelReporter creates a reporter. channelFor returns "" for guilds without a log channel.
func NewChannelReporter(sender EmbedSender, channelFor func(guildID string) string, logger *zap.Logger) *ChannelReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelReporter{
		sender:        sender,
		channelFor:    channelFor,
		logger:        logger,
		queue:         make(chan LogEntry, 5000),
		batchInterval: time.Second,
		batchSize:     10,
		limiters:      make(map[string]*rate.Limiter),
		limit:         rate.Every(2 * time.Second),
		burst:         3,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs the batching consumer until ctx is done or Stop is called
func (r *ChannelReporter) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop flushes pending entries and waits for the consumer to exit
func (r *ChannelReporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *ChannelReporter) run(ctx context.Context) {
	defer close(r.done)

	batch := make([]LogEntry, 0, r.batchSize)
	ticker := time.NewTicker(r.batchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.send(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-r.queue:
			batch = append(batch, entry)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		case <-r.stop:
			for {
				select {
				case entry := <-r.queue:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Push queues an entry, dropping it when the queue is full
func (r *ChannelReporter) Push(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	select {
	case r.queue <- entry:
	default:
		r.logger.Warn("log channel queue full, dropping entry", zap.String("guild_id", entry.GuildID))
	}
}

func (r *ChannelReporter) limiter(guildID string) *rate.Limiter {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	l, ok := r.limiters[guildID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[guildID] = l
	}
	return l
}

func (r *ChannelReporter) send(entries []LogEntry) {
	byGuild := make(map[string][]LogEntry)
	for _, entry := range entries {
		if entry.GuildID != "" {
			byGuild[entry.GuildID] = append(byGuild[entry.GuildID], entry)
		}
	}

	for guildID, guildLogs := range byGuild {
		channelID := r.channelFor(guildID)
		if channelID == "" {
			continue
		}
		if !r.limiter(guildID).Allow() {
			r.logger.Debug("log channel rate limited, dropping batch",
				zap.String("guild_id", guildID), zap.Int("entries", len(guildLogs)))
			continue
		}
		if _, err := r.sender.ChannelMessageSendEmbed(channelID, buildEmbed(guildLogs)); err != nil {
			r.logger.Warn("failed to send to log channel",
				zap.String("guild_id", guildID), zap.String("channel_id", channelID), zap.Error(err))
		}
	}
}

func buildEmbed(entries []LogEntry) *discordgo.MessageEmbed {
	var description strings.Builder
	for i, entry := range entries {
		if i >= 25 {
			description.WriteString(fmt.Sprintf("\n*...and %d more entries*", len(entries)-25))
			break
		}
		description.WriteString(fmt.Sprintf("%s **%s** | <@%s> %s\n", emojiForLevel(entry.Level), entry.Action, entry.UserID, entry.Message))
	}

	return &discordgo.MessageEmbed{
		Title:       "🛡️ AutoMod",
		Description: description.String(),
		Color:       colorForLevel(worstLevel(entries)),
		Timestamp:   entries[len(entries)-1].Timestamp.Format(time.RFC3339),
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("%d events logged", len(entries)),
		},
	}
}

func worstLevel(entries []LogEntry) string {
	rank := map[string]int{"info": 0, "warn": 1, "error": 2}
	worst := "info"
	for _, e := range entries {
		if rank[e.Level] > rank[worst] {
			worst = e.Level
		}
	}
	return worst
}

func emojiForLevel(level string) string {
	switch level {
	case "error":
		return "❌"
	case "warn":
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func colorForLevel(level string) int {
	switch level {
	case "error":
		return 0xFF4500
	case "warn":
		return 0xFFA500
	default:
		return 0x00FF00
	}
}

func describe(rep core.Report) string {
	var b strings.Builder
	b.WriteString(rep.Punishment.String())
	if rep.Rule != nil {
		b.WriteString(fmt.Sprintf(" for `%s`", rep.Rule.String()))
	}
	if !rep.Expiry.IsZero() {
		b.WriteString(fmt.Sprintf(", ends <t:%d:R>", rep.Expiry.Unix()))
	}
	if rep.Err != nil {
		b.WriteString(fmt.Sprintf(": %v", rep.Err))
	}
	return b.String()
}

func (r *ChannelReporter) entry(level, action string, rep core.Report) LogEntry {
	return LogEntry{
		Level:     level,
		Action:    action,
		GuildID:   rep.GuildID,
		UserID:    rep.UserID,
		Message:   describe(rep),
		Timestamp: rep.At,
	}
}

func (r *ChannelReporter) PunishmentApplied(_ context.Context, rep core.Report) {
	r.Push(r.entry("info", "Punished", rep))
}

func (r *ChannelReporter) EnforcementFailed(_ context.Context, rep core.Report) {
	r.Push(r.entry("error", "Failed", rep))
}

func (r *ChannelReporter) PunishmentReversed(_ context.Context, rep core.Report) {
	r.Push(r.entry("info", "Reversed "+models.GetPunishmentDisplayName(rep.Punishment.Kind), rep))
}

func (r *ChannelReporter) ReversalFailing(_ context.Context, rep core.Report) {
	r.Push(r.entry("warn", "Reversal failing", rep))
}

func (r *ChannelReporter) ReversalRecovered(_ context.Context, rep core.Report) {
	r.Push(r.entry("info", "Reversal recovered", rep))
}
