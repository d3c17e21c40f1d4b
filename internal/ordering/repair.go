package ordering

import (
	"context"
	"fmt"
	"sort"
)

type RepairAction string

const (
	RepairNone      RepairAction = "none"
	RepairRebuilt   RepairAction = "rebuilt"
	RepairCompacted RepairAction = "compacted"
)

// RepairReport describes what Repair found and did.
type RepairReport struct {
	Scope  Scope        `json:"scope"`
	Action RepairAction `json:"action"`
	// Missing lists rank keys that had no stored shot.
	Missing []string `json:"missing"`
	// Untracked lists stored shots that had no rank.
	Untracked []int64 `json:"untracked"`
	Ranks     RankMap `json:"ranks"`
}

// Repair checks the rank map against every item the scope owns. Differing
// id sets trigger a full rebuild; a matching set with ranks other than 1..N
// is compacted in place. A healthy map is left alone.
func (s *Service) Repair(ctx context.Context, scope Scope) (RepairReport, error) {
	report := RepairReport{Scope: scope, Action: RepairNone}
	record, err := s.mutate(ctx, scope, "repair", func(record Record) (RankMap, bool, error) {
		report.Action = RepairNone
		report.Missing, report.Untracked = nil, nil

		actual, err := s.items.ScopeItems(ctx, scope)
		if err != nil {
			return nil, false, fmt.Errorf("list scope items: %w", err)
		}
		actual = inScope(scope, actual)
		present := itemSet(scope, actual)

		report.Missing = record.Ranks.missing(present)
		for _, item := range actual {
			if _, ok := record.Ranks[Key(item.ID)]; !ok {
				report.Untracked = append(report.Untracked, item.ID)
			}
		}
		sort.Slice(report.Untracked, func(i, j int) bool { return report.Untracked[i] < report.Untracked[j] })

		if len(report.Missing) > 0 || len(report.Untracked) > 0 {
			report.Action = RepairRebuilt
			return Reconcile(actual), true, nil
		}
		if err := record.Ranks.Validate(); err != nil {
			report.Action = RepairCompacted
			return record.Ranks.Compact(), true, nil
		}
		return nil, false, nil
	})
	if err != nil {
		return RepairReport{}, err
	}
	report.Ranks = record.Ranks
	if report.Ranks == nil {
		report.Ranks = RankMap{}
	}
	if report.Action != RepairNone {
		s.logger.Warn("rank map repaired",
			"scope", scope.String(),
			"action", string(report.Action),
			"missing", len(report.Missing),
			"untracked", len(report.Untracked),
		)
	}
	return report, nil
}
