package background

import (
	"context"
	"os"
	"sort"

	"discord-automod-bot/internal/models"

	"emperror.dev/errors"
	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk layout of a rules file
type RuleFile struct {
	Guilds []models.GuildRules `yaml:"guilds"`
}

// FileSource serves guild rules from a YAML file read once at construction
type FileSource struct {
	guilds map[string]models.GuildRules
}

// LoadRuleFile parses a YAML rules file
func LoadRuleFile(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapIf(err, "failed to read rules file")
	}
	return ParseRuleFile(data)
}

// ParseRuleFile parses YAML rules. Durations use Go syntax, e.g. "15s" or "24h".
func ParseRuleFile(data []byte) (*FileSource, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapIf(err, "failed to parse rules file")
	}

	src := &FileSource{guilds: make(map[string]models.GuildRules, len(f.Guilds))}
	for _, g := range f.Guilds {
		if g.GuildID == "" {
			return nil, errors.New("rules file: guild without guild_id")
		}
		if _, dup := src.guilds[g.GuildID]; dup {
			return nil, errors.Errorf("rules file: guild %s listed twice", g.GuildID)
		}
		src.guilds[g.GuildID] = g
	}
	return src, nil
}

func (s *FileSource) GuildRules(_ context.Context, guildID string) (*models.GuildRules, error) {
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, nil
	}
	g.Rules = append([]models.ViolationRule(nil), g.Rules...)
	return &g, nil
}

func (s *FileSource) GuildIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.guilds))
	for id := range s.guilds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
