package models

import (
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"
)

// RuleKind groups violation rules by the event stream they watch
type RuleKind string

const (
	RuleSpam RuleKind = "spam"
	RuleRaid RuleKind = "raid"
)

// Metric is the per-event quantity a rule measures
type Metric string

const (
	MetricMessageCount Metric = "message_count"
	MetricLongMessage  Metric = "long_message"
	MetricLinkCount    Metric = "link_count"
	MetricImageCount   Metric = "image_count"
	MetricMentionCount Metric = "mention_count"
	MetricJoinCount    Metric = "join_count"
)

// PunishmentKind constants
type PunishmentKind string

const (
	PunishmentRoleMute  PunishmentKind = "role_mute"
	PunishmentVoiceMute PunishmentKind = "voice_mute"
	PunishmentDeafen    PunishmentKind = "deafen"
	PunishmentKick      PunishmentKind = "kick"
	PunishmentSoftban   PunishmentKind = "softban"
	PunishmentBan       PunishmentKind = "ban"
)

// severities is the fixed escalation order, higher is harsher
var severities = map[PunishmentKind]int{
	PunishmentRoleMute:  1,
	PunishmentVoiceMute: 2,
	PunishmentDeafen:    3,
	PunishmentKick:      4,
	PunishmentSoftban:   5,
	PunishmentBan:       6,
}

// Severity returns the escalation rank of the kind, 0 for unknown kinds
func (k PunishmentKind) Severity() int {
	return severities[k]
}

// Valid reports whether k is a known punishment
func (k PunishmentKind) Valid() bool {
	_, ok := severities[k]
	return ok
}

// Reversible reports whether the punishment can be undone when its duration ends
func (k PunishmentKind) Reversible() bool {
	switch k {
	case PunishmentBan, PunishmentVoiceMute, PunishmentDeafen, PunishmentRoleMute:
		return true
	default:
		return false
	}
}

// GetPunishmentDisplayName returns a human-readable name for a punishment kind
func GetPunishmentDisplayName(k PunishmentKind) string {
	switch k {
	case PunishmentRoleMute:
		return "Mute (role)"
	case PunishmentVoiceMute:
		return "Voice Mute"
	case PunishmentDeafen:
		return "Deafen"
	case PunishmentKick:
		return "Kick"
	case PunishmentSoftban:
		return "Softban"
	case PunishmentBan:
		return "Ban"
	default:
		return string(k)
	}
}

// AllPunishmentKinds lists every punishment in ascending severity
func AllPunishmentKinds() []PunishmentKind {
	return []PunishmentKind{
		PunishmentRoleMute,
		PunishmentVoiceMute,
		PunishmentDeafen,
		PunishmentKick,
		PunishmentSoftban,
		PunishmentBan,
	}
}

// PunishmentSpec describes what happens to a user that crosses a rule.
// A nil Duration means the punishment is permanent.
type PunishmentSpec struct {
	Kind     PunishmentKind `json:"kind" yaml:"kind"`
	Duration *time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	RoleID   string         `json:"role_id,omitempty" yaml:"role_id,omitempty"`
}

// Timed reports whether the punishment has a scheduled reversal
func (p PunishmentSpec) Timed() bool {
	return p.Duration != nil
}

func (p PunishmentSpec) String() string {
	if p.Duration == nil {
		return GetPunishmentDisplayName(p.Kind)
	}
	return fmt.Sprintf("%s (%s)", GetPunishmentDisplayName(p.Kind), p.Duration.String())
}

// ViolationRule is one configured threshold for a category of abuse
type ViolationRule struct {
	Kind       RuleKind       `json:"kind" yaml:"kind"`
	Metric     Metric         `json:"metric" yaml:"metric"`
	Size       int            `json:"size" yaml:"size"`
	Instances  int            `json:"instances" yaml:"instances"`
	Window     time.Duration  `json:"window" yaml:"window"`
	Punishment PunishmentSpec `json:"punishment" yaml:"punishment"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
}

func (r ViolationRule) String() string {
	return fmt.Sprintf("%s/%s size=%d instances=%d window=%s", r.Kind, r.Metric, r.Size, r.Instances, r.Window)
}

// GuildRules is the read-only automod configuration of one guild
type GuildRules struct {
	GuildID               string          `json:"guild_id" yaml:"guild_id"`
	Enabled               bool            `json:"enabled" yaml:"enabled"`
	Rules                 []ViolationRule `json:"rules" yaml:"rules"`
	IgnoreAdmins          bool            `json:"ignore_admins" yaml:"ignore_admins"`
	IgnoreHigherHierarchy bool            `json:"ignore_higher_hierarchy" yaml:"ignore_higher_hierarchy"`
	MuteRoleID            string          `json:"mute_role_id,omitempty" yaml:"mute_role_id,omitempty"`
	LogsChannel           string          `json:"logs_channel,omitempty" yaml:"logs_channel,omitempty"`
}

// ScheduledPunishment is a durable pending reversal.
// Primary key is (GuildID, UserID, Kind).
type ScheduledPunishment struct {
	GuildID     string         `db:"guild_id" json:"guild_id"`
	UserID      string         `db:"user_id" json:"user_id"`
	Kind        PunishmentKind `db:"kind" json:"kind"`
	RoleID      *string        `db:"role_id" json:"role_id,omitempty"`
	ExpiryTicks int64          `db:"expiry_ticks" json:"expiry_ticks"` // Unix timestamp in milliseconds
}

// Expiry returns the expiry as a time
func (s ScheduledPunishment) Expiry() time.Time {
	return time.UnixMilli(s.ExpiryTicks)
}

// Key returns the primary key as a single string
func (s ScheduledPunishment) Key() string {
	return s.GuildID + ":" + s.UserID + ":" + string(s.Kind)
}

// Role returns the role id or an empty string
func (s ScheduledPunishment) Role() string {
	if s.RoleID == nil {
		return ""
	}
	return *s.RoleID
}

// Event is an inbound gateway event the detector can measure
type Event interface {
	EventGuildID() string
	EventUserID() string
	EventTime() time.Time
	// Measure returns the value of m for this event and whether the event carries m at all
	Measure(m Metric) (int, bool)
}

// MessageEvent is a message created in a guild channel
type MessageEvent struct {
	GuildID          string
	UserID           string
	ChannelID        string
	MessageID        string
	Content          string
	AttachmentCount  int
	EmbedCount       int
	MentionedUserIDs []string
	Timestamp        time.Time
}

func (e MessageEvent) EventGuildID() string { return e.GuildID }
func (e MessageEvent) EventUserID() string  { return e.UserID }
func (e MessageEvent) EventTime() time.Time { return e.Timestamp }

var linkRegex = regexp.MustCompile(`(?i)(https?://|www\.)[^\s<>]+|discord(?:\.gg|(?:app)?\.com/invite)/[a-z0-9-]+`)

func (e MessageEvent) Measure(m Metric) (int, bool) {
	switch m {
	case MetricMessageCount:
		return 1, true
	case MetricLongMessage:
		return utf8.RuneCountInString(e.Content), true
	case MetricLinkCount:
		return len(linkRegex.FindAllStringIndex(e.Content, -1)), true
	case MetricImageCount:
		return e.AttachmentCount + e.EmbedCount, true
	case MetricMentionCount:
		seen := make(map[string]struct{}, len(e.MentionedUserIDs))
		for _, id := range e.MentionedUserIDs {
			seen[id] = struct{}{}
		}
		return len(seen), true
	default:
		return 0, false
	}
}

// JoinEvent is a member joining a guild
type JoinEvent struct {
	GuildID   string
	UserID    string
	Timestamp time.Time
}

func (e JoinEvent) EventGuildID() string { return e.GuildID }
func (e JoinEvent) EventUserID() string  { return e.UserID }
func (e JoinEvent) EventTime() time.Time { return e.Timestamp }

func (e JoinEvent) Measure(m Metric) (int, bool) {
	if m == MetricJoinCount {
		return 1, true
	}
	return 0, false
}
