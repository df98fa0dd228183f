package models

import (
	"strings"
	"time"
)

// AgentProfile is a user-defined routing destination ("island").
// Counters are only ever changed through atomic increments in the store.
type AgentProfile struct {
	ID           string    `bson:"_id" json:"id"`
	UserID       string    `bson:"userId" json:"user_id"`
	Name         string    `bson:"name" json:"name"`
	Emoji        string    `bson:"emoji,omitempty" json:"emoji,omitempty"`
	Color        string    `bson:"color,omitempty" json:"color,omitempty"`
	SystemPrompt string    `bson:"systemPrompt" json:"system_prompt"`
	Keywords     []string  `bson:"keywords,omitempty" json:"keywords,omitempty"`
	MemoryCount  int64     `bson:"memoryCount" json:"memory_count"`
	ChatCount    int64     `bson:"chatCount" json:"chat_count"`
	CreatedAt    time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt    time.Time `bson:"updatedAt" json:"updated_at"`
}

// Counter fields that may be incremented on an AgentProfile
const (
	CounterMemoryCount = "memoryCount"
	CounterChatCount   = "chatCount"
)

// IsCounterField reports whether field names an incrementable counter
func IsCounterField(field string) bool {
	return field == CounterMemoryCount || field == CounterChatCount
}

// MatchedKeywords returns the profile keywords that occur in content (case-insensitive)
func (a *AgentProfile) MatchedKeywords(content string) []string {
	lower := strings.ToLower(content)
	var matched []string
	for _, kw := range a.Keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if strings.Contains(lower, k) {
			matched = append(matched, kw)
		}
	}
	return matched
}

// Description is the text used to describe the island to the model
func (a *AgentProfile) Description() string {
	var b strings.Builder
	b.WriteString(a.Name)
	if a.SystemPrompt != "" {
		b.WriteString(": ")
		b.WriteString(a.SystemPrompt)
	}
	if len(a.Keywords) > 0 {
		b.WriteString(" (keywords: ")
		b.WriteString(strings.Join(a.Keywords, ", "))
		b.WriteString(")")
	}
	return b.String()
}
