package store

import (
	"time"

	"github.com/goccy/go-json"

	"storyboard/api/internal/ordering"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Shot struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"userId"`
	ProjectID  int64     `json:"projectId"`
	Content    string    `json:"content"`
	Prompt     string    `json:"prompt"`
	Characters []string  `json:"characters"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (s Shot) Scope() ordering.Scope {
	return ordering.Scope{UserID: s.UserID, ProjectID: s.ProjectID}
}

func (s Shot) Item() ordering.Item {
	return ordering.Item{ID: s.ID, Scope: s.Scope(), UpdatedAt: s.UpdatedAt}
}

// ShotPatch holds the fields of a shot to change. Nil fields are kept.
type ShotPatch struct {
	Content    *string
	Prompt     *string
	Characters *[]string
}

// ScopePatch holds the scope document fields to change. Nil fields are kept.
type ScopePatch struct {
	Script     *string
	Characters map[string]string
}

type UserConfig struct {
	UserID         int64           `json:"userId"`
	Content        string          `json:"content"`
	ComfyUIPayload json.RawMessage `json:"comfyuiPayload,omitempty"`
	ComfyUIURL     string          `json:"comfyuiUrl"`
	OpenAIURL      string          `json:"openaiUrl"`
	OpenAIKey      string          `json:"openaiApiKey"`
	Model          string          `json:"model"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ConfigPatch holds the config fields to change. Nil fields are kept.
type ConfigPatch struct {
	Content        *string
	ComfyUIPayload json.RawMessage
	ComfyUIURL     *string
	OpenAIURL      *string
	OpenAIKey      *string
	Model          *string
}

type UserPrompt struct {
	UserID          int64     `json:"userId"`
	CharacterPrompt string    `json:"characterPrompt"`
	ShotPrompt      string    `json:"shotPrompt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type PromptPatch struct {
	CharacterPrompt *string
	ShotPrompt      *string
}

func shotItems(shots []Shot) []ordering.Item {
	items := make([]ordering.Item, len(shots))
	for i, shot := range shots {
		items[i] = shot.Item()
	}
	return items
}
