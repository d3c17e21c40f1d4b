package app

import (
	"context"
	"time"

	"storyboard/api/internal/ordering"
	"storyboard/api/internal/store"
)

// ScopeDocument is the script and character sheet stored alongside a scope's
// order.
type ScopeDocument struct {
	UserID     int64             `json:"userId"`
	ProjectID  int64             `json:"projectId"`
	Script     string            `json:"script"`
	Characters map[string]string `json:"characters"`
	ShotCount  int               `json:"shotCount"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type ScopeDocumentInput struct {
	Script     *string           `json:"script"`
	Characters map[string]string `json:"characters"`
}

func documentFromRecord(record ordering.Record) ScopeDocument {
	characters := record.Characters
	if characters == nil {
		characters = map[string]string{}
	}
	return ScopeDocument{
		UserID:     record.Scope.UserID,
		ProjectID:  record.Scope.ProjectID,
		Script:     record.Script,
		Characters: characters,
		ShotCount:  len(record.Ranks),
		UpdatedAt:  record.UpdatedAt,
	}
}

func (s *Service) GetScope(ctx context.Context, scope ordering.Scope) (ScopeDocument, error) {
	record, err := s.order.Load(ctx, scope)
	if err != nil {
		return ScopeDocument{}, err
	}
	return documentFromRecord(record), nil
}

// UpdateScope patches the scope document. The rank map is left alone.
func (s *Service) UpdateScope(ctx context.Context, scope ordering.Scope, input ScopeDocumentInput) (ScopeDocument, error) {
	if _, err := s.order.Load(ctx, scope); err != nil {
		return ScopeDocument{}, err
	}
	record, err := s.store.UpdateScopeDocument(ctx, scope, store.ScopePatch{
		Script:     input.Script,
		Characters: input.Characters,
	})
	if err != nil {
		return ScopeDocument{}, err
	}
	return documentFromRecord(record), nil
}

// DeleteScope drops the scope's shots together with its order record.
func (s *Service) DeleteScope(ctx context.Context, scope ordering.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := s.requireUser(ctx, scope.UserID); err != nil {
		return err
	}
	if err := s.store.DeleteScope(ctx, scope); err != nil {
		return err
	}
	s.logger.Info("scope deleted", "scope", scope.String())
	return nil
}
