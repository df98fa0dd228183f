package services

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"knowledgeroute/internal/models"
)

//go:embed default_islands.yaml
var defaultIslandsYAML []byte

// IslandTemplate describes an island provisioned for new users
type IslandTemplate struct {
	Name         string   `yaml:"name"`
	Emoji        string   `yaml:"emoji"`
	Color        string   `yaml:"color"`
	SystemPrompt string   `yaml:"system_prompt"`
	Keywords     []string `yaml:"keywords"`
}

type islandsFile struct {
	Islands []IslandTemplate `yaml:"islands"`
}

// Profile builds an AgentProfile for userID from the template
func (t IslandTemplate) Profile(userID string) *models.AgentProfile {
	return &models.AgentProfile{
		UserID:       userID,
		Name:         t.Name,
		Emoji:        t.Emoji,
		Color:        t.Color,
		SystemPrompt: t.SystemPrompt,
		Keywords:     append([]string(nil), t.Keywords...),
	}
}

// LoadDefaultIslands reads island templates from path, or the built-in set when path is empty
func LoadDefaultIslands(path string) ([]IslandTemplate, error) {
	data := defaultIslandsYAML
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read default islands file: %w", err)
		}
		data = raw
	}
	return parseIslands(data)
}

func parseIslands(data []byte) ([]IslandTemplate, error) {
	var file islandsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse default islands: %w", err)
	}
	if len(file.Islands) == 0 {
		return nil, fmt.Errorf("default islands file defines no islands")
	}
	for i, island := range file.Islands {
		if island.Name == "" {
			return nil, fmt.Errorf("default island %d has no name", i)
		}
	}
	return file.Islands, nil
}
