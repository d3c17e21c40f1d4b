// Package ordering keeps a dense 1..N rank for every shot in a
// (user, project) scope and repairs the persisted rank map when it drifts
// away from the shots that actually exist.
package ordering

import (
	"fmt"
	"time"
)

// Scope identifies one ordered collection.
type Scope struct {
	UserID    int64 `json:"userId"`
	ProjectID int64 `json:"projectId"`
}

func (s Scope) Validate() error {
	if s.UserID <= 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidScope)
	}
	if s.ProjectID <= 0 {
		return fmt.Errorf("%w: project id is required", ErrInvalidScope)
	}
	return nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%d/%d", s.UserID, s.ProjectID)
}

// Record is the persisted order document of a scope. Script and Characters
// travel with the scope and are never interpreted here.
type Record struct {
	Scope      Scope
	Ranks      RankMap
	Script     string
	Characters map[string]string
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Item is the slice of a stored shot the engine needs.
type Item struct {
	ID        int64
	Scope     Scope
	UpdatedAt time.Time
}
