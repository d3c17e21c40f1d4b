package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storyboard/api/internal/ordering"
	"storyboard/api/internal/store"
)

type RankedShot struct {
	store.Shot
	Rank int `json:"rank"`
}

type ShotInput struct {
	Content    string   `json:"content"`
	Prompt     string   `json:"prompt"`
	Characters []string `json:"characters"`
}

func (in ShotInput) shot(scope ordering.Scope) store.Shot {
	return store.Shot{
		UserID:     scope.UserID,
		ProjectID:  scope.ProjectID,
		Content:    in.Content,
		Prompt:     in.Prompt,
		Characters: cleanCharacters(in.Characters),
	}
}

type ShotUpdateInput struct {
	Content    *string   `json:"content"`
	Prompt     *string   `json:"prompt"`
	Characters *[]string `json:"characters"`
}

func cleanCharacters(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// ListShots returns the scope's shots ascending by rank.
func (s *Service) ListShots(ctx context.Context, scope ordering.Scope) ([]RankedShot, error) {
	entries, err := s.order.OrderedIDs(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []RankedShot{}, nil
	}

	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	shots, err := s.store.GetShots(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]store.Shot, len(shots))
	for _, shot := range shots {
		byID[shot.ID] = shot
	}

	ranked := make([]RankedShot, 0, len(entries))
	for _, entry := range entries {
		shot, ok := byID[entry.ID]
		if !ok {
			// Deleted between the two reads; the next listing heals the map.
			continue
		}
		ranked = append(ranked, RankedShot{Shot: shot, Rank: entry.Rank})
	}
	return ranked, nil
}

// CreateShot stores a shot and ranks it last.
func (s *Service) CreateShot(ctx context.Context, scope ordering.Scope, input ShotInput) (RankedShot, error) {
	if _, err := s.order.Load(ctx, scope); err != nil {
		return RankedShot{}, err
	}
	shot, err := s.store.CreateShot(ctx, input.shot(scope))
	if err != nil {
		return RankedShot{}, err
	}
	ranks, err := s.order.Append(ctx, scope, shot.ID)
	if err != nil {
		s.discardShot(ctx, shot.ID)
		return RankedShot{}, err
	}
	rank, _ := ranks.Rank(shot.ID)
	return RankedShot{Shot: shot, Rank: rank}, nil
}

// InsertShot stores a shot directly above or below ref and returns the new
// listing.
func (s *Service) InsertShot(ctx context.Context, scope ordering.Scope, ref int64, side ordering.Side, input ShotInput) ([]RankedShot, error) {
	record, err := s.order.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	if _, ok := record.Ranks.Rank(ref); !ok {
		return nil, fmt.Errorf("%w: reference shot %d is not in the order", ordering.ErrNotFound, ref)
	}

	shot, err := s.store.CreateShot(ctx, input.shot(scope))
	if err != nil {
		return nil, err
	}
	if _, err := s.order.InsertRelative(ctx, scope, shot.ID, ref, side); err != nil {
		s.discardShot(ctx, shot.ID)
		return nil, err
	}
	return s.ListShots(ctx, scope)
}

// MoveShot re-ranks an existing shot above or below ref.
func (s *Service) MoveShot(ctx context.Context, scope ordering.Scope, id, ref int64, side ordering.Side) ([]RankedShot, error) {
	if _, err := s.ownedShot(ctx, scope, id); err != nil {
		return nil, err
	}
	if _, err := s.order.InsertRelative(ctx, scope, id, ref, side); err != nil {
		return nil, err
	}
	return s.ListShots(ctx, scope)
}

func (s *Service) UpdateShot(ctx context.Context, scope ordering.Scope, id int64, input ShotUpdateInput) (store.Shot, error) {
	if _, err := s.ownedShot(ctx, scope, id); err != nil {
		return store.Shot{}, err
	}
	patch := store.ShotPatch{Content: input.Content, Prompt: input.Prompt}
	if input.Characters != nil {
		cleaned := cleanCharacters(*input.Characters)
		patch.Characters = &cleaned
	}
	shot, err := s.store.UpdateShot(ctx, id, patch)
	if errors.Is(err, store.ErrNotFound) {
		return store.Shot{}, shotNotFound(id)
	}
	return shot, err
}

// DeleteShot removes a shot and its rank and returns the new listing.
func (s *Service) DeleteShot(ctx context.Context, scope ordering.Scope, id int64) ([]RankedShot, error) {
	if _, err := s.ownedShot(ctx, scope, id); err != nil {
		return nil, err
	}
	err := s.store.DeleteShot(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, err := s.order.Remove(ctx, scope, id); err != nil {
		return nil, err
	}
	return s.ListShots(ctx, scope)
}

// DeleteAllShots empties the scope. The scope document survives.
func (s *Service) DeleteAllShots(ctx context.Context, scope ordering.Scope) error {
	if _, err := s.order.Load(ctx, scope); err != nil {
		return err
	}
	n, err := s.store.DeleteScopeShots(ctx, scope)
	if err != nil {
		return err
	}
	if _, err := s.order.BulkSet(ctx, scope, ordering.RankMap{}); err != nil {
		return err
	}
	s.logger.Info("scope shots cleared", "scope", scope.String(), "deleted", n)
	return nil
}

// ReplaceShots swaps every shot of the scope for new ones ranked in input
// order.
func (s *Service) ReplaceShots(ctx context.Context, scope ordering.Scope, inputs []ShotInput) ([]RankedShot, error) {
	if _, err := s.order.Load(ctx, scope); err != nil {
		return nil, err
	}
	shots := make([]store.Shot, len(inputs))
	for i, input := range inputs {
		shots[i] = input.shot(scope)
	}
	created, err := s.store.ReplaceScopeShots(ctx, scope, shots)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(created))
	for i, shot := range created {
		ids[i] = shot.ID
	}
	if _, err := s.order.BulkSet(ctx, scope, ordering.Sequential(ids)); err != nil {
		return nil, err
	}
	return s.ListShots(ctx, scope)
}

func (s *Service) RepairScope(ctx context.Context, scope ordering.Scope) (ordering.RepairReport, error) {
	return s.order.Repair(ctx, scope)
}

func (s *Service) discardShot(ctx context.Context, id int64) {
	if err := s.store.DeleteShot(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("discard unranked shot", "shot_id", id, "error", err)
	}
}
