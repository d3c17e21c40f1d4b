package app

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"storyboard/api/internal/store"
)

// ConfigView is a user config as returned to clients: the OpenAI key is masked.
type ConfigView struct {
	Content        string          `json:"content"`
	ComfyUIPayload json.RawMessage `json:"comfyuiPayload"`
	ComfyUIURL     string          `json:"comfyuiUrl"`
	OpenAIURL      string          `json:"openaiUrl"`
	OpenAIKey      string          `json:"openaiApiKey"`
	HasOpenAIKey   bool            `json:"hasOpenaiApiKey"`
	Model          string          `json:"model"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type ConfigInput struct {
	Content        *string         `json:"content"`
	ComfyUIPayload json.RawMessage `json:"comfyuiPayload"`
	ComfyUIURL     *string         `json:"comfyuiUrl"`
	OpenAIURL      *string         `json:"openaiUrl"`
	OpenAIKey      *string         `json:"openaiApiKey"`
	Model          *string         `json:"model"`
}

type TextView struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type PromptInput struct {
	CharacterPrompt *string `json:"characterPrompt"`
	ShotPrompt      *string `json:"shotPrompt"`
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:3] + strings.Repeat("*", len(key)-7) + key[len(key)-4:]
}

func configView(cfg store.UserConfig) ConfigView {
	payload := cfg.ComfyUIPayload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return ConfigView{
		Content:        cfg.Content,
		ComfyUIPayload: payload,
		ComfyUIURL:     cfg.ComfyUIURL,
		OpenAIURL:      cfg.OpenAIURL,
		OpenAIKey:      maskKey(cfg.OpenAIKey),
		HasOpenAIKey:   cfg.OpenAIKey != "",
		Model:          cfg.Model,
		UpdatedAt:      cfg.UpdatedAt,
	}
}

// normalizePayload accepts a JSON object, or a JSON string holding one, and
// returns the object. A JSON null clears nothing and yields nil.
func normalizePayload(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, invalidPayload("payload string could not be decoded")
		}
		raw = bytes.TrimSpace([]byte(inner))
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil || object == nil {
		return nil, invalidPayload("payload must be a JSON object")
	}
	return json.RawMessage(raw), nil
}

func invalidPayload(message string) error {
	return domainError(http.StatusBadRequest, "INVALID_PAYLOAD", message, nil)
}

func (s *Service) GetConfig(ctx context.Context, userID int64) (ConfigView, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return ConfigView{}, err
	}
	cfg, err := s.store.GetOrCreateConfig(ctx, userID)
	if err != nil {
		return ConfigView{}, err
	}
	return configView(cfg), nil
}

func (s *Service) UpdateConfig(ctx context.Context, userID int64, input ConfigInput) (ConfigView, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return ConfigView{}, err
	}
	payload, err := normalizePayload(input.ComfyUIPayload)
	if err != nil {
		return ConfigView{}, err
	}
	cfg, err := s.store.UpdateConfig(ctx, userID, store.ConfigPatch{
		Content:        input.Content,
		ComfyUIPayload: payload,
		ComfyUIURL:     input.ComfyUIURL,
		OpenAIURL:      input.OpenAIURL,
		OpenAIKey:      input.OpenAIKey,
		Model:          input.Model,
	})
	if err != nil {
		return ConfigView{}, err
	}
	s.logger.Info("user config updated", "user_id", userID, "payload", payload != nil)
	return configView(cfg), nil
}

func (s *Service) GetText(ctx context.Context, userID int64) (TextView, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return TextView{}, err
	}
	cfg, err := s.store.GetOrCreateConfig(ctx, userID)
	if err != nil {
		return TextView{}, err
	}
	return TextView{Content: cfg.Content, UpdatedAt: cfg.UpdatedAt}, nil
}

func (s *Service) SetText(ctx context.Context, userID int64, content string) (TextView, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return TextView{}, err
	}
	cfg, err := s.store.UpdateConfig(ctx, userID, store.ConfigPatch{Content: &content})
	if err != nil {
		return TextView{}, err
	}
	return TextView{Content: cfg.Content, UpdatedAt: cfg.UpdatedAt}, nil
}

func (s *Service) ClearText(ctx context.Context, userID int64) error {
	_, err := s.SetText(ctx, userID, "")
	return err
}

func (s *Service) GetPrompts(ctx context.Context, userID int64) (store.UserPrompt, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return store.UserPrompt{}, err
	}
	return s.store.GetOrCreatePrompt(ctx, userID)
}

func (s *Service) UpdatePrompts(ctx context.Context, userID int64, input PromptInput) (store.UserPrompt, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return store.UserPrompt{}, err
	}
	return s.store.UpdatePrompt(ctx, userID, store.PromptPatch{
		CharacterPrompt: input.CharacterPrompt,
		ShotPrompt:      input.ShotPrompt,
	})
}
