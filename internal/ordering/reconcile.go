package ordering

import "sort"

// Reconcile derives a fresh rank map from the items a scope actually owns:
// oldest modification first, id breaking ties. Any ordering recorded in a
// stale map is discarded.
func Reconcile(items []Item) RankMap {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].UpdatedAt.Equal(sorted[j].UpdatedAt) {
			return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	ids := make([]int64, len(sorted))
	for i, item := range sorted {
		ids[i] = item.ID
	}
	return Sequential(ids)
}

// itemSet indexes the items that belong to scope.
func itemSet(scope Scope, items []Item) map[int64]struct{} {
	set := make(map[int64]struct{}, len(items))
	for _, item := range items {
		if item.Scope != scope {
			continue
		}
		set[item.ID] = struct{}{}
	}
	return set
}

func inScope(scope Scope, items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if item.Scope == scope {
			out = append(out, item)
		}
	}
	return out
}
