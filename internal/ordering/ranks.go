package ordering

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Side selects where a new item lands relative to a reference item.
type Side int

const (
	SideAbove Side = iota + 1
	SideBelow
)

func ParseSide(value string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "above":
		return SideAbove, nil
	case "below":
		return SideBelow, nil
	default:
		return 0, fmt.Errorf("%w: position must be above or below, got %q", ErrInvalidArgument, value)
	}
}

func (s Side) String() string {
	switch s {
	case SideAbove:
		return "above"
	case SideBelow:
		return "below"
	default:
		return "unknown"
	}
}

// Entry is one ranked item id.
type Entry struct {
	ID   int64 `json:"id"`
	Rank int   `json:"rank"`
}

// RankMap maps an item id, in decimal form, to its 1-based rank. Methods never
// mutate the receiver; every transformation returns a fresh map.
type RankMap map[string]int

func Key(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Sequential ranks ids 1..N in the given order. Repeated ids keep their first
// position.
func Sequential(ids []int64) RankMap {
	ranks := make(RankMap, len(ids))
	for _, id := range ids {
		key := Key(id)
		if _, ok := ranks[key]; ok {
			continue
		}
		ranks[key] = len(ranks) + 1
	}
	return ranks
}

func (m RankMap) Clone() RankMap {
	out := make(RankMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Max returns the highest rank, or 0 for an empty map.
func (m RankMap) Max() int {
	highest := 0
	for _, v := range m {
		if v > highest {
			highest = v
		}
	}
	return highest
}

func (m RankMap) Rank(id int64) (int, bool) {
	rank, ok := m[Key(id)]
	return rank, ok
}

// IDs returns the keys that parse as item ids along with the ones that do not.
func (m RankMap) IDs() ([]int64, []string) {
	ids := make([]int64, 0, len(m))
	var invalid []string
	for key := range m {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || id <= 0 {
			invalid = append(invalid, key)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sort.Strings(invalid)
	return ids, invalid
}

// Entries lists the parseable keys ascending by rank.
func (m RankMap) Entries() []Entry {
	entries := make([]Entry, 0, len(m))
	for key, rank := range m {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		entries = append(entries, Entry{ID: id, Rank: rank})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Rank != entries[j].Rank {
			return entries[i].Rank < entries[j].Rank
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// Validate reports whether the ranks are exactly 1..N.
func (m RankMap) Validate() error {
	seen := make(map[int]string, len(m))
	for key, rank := range m {
		if rank < 1 || rank > len(m) {
			return fmt.Errorf("rank %d for %s outside 1..%d", rank, key, len(m))
		}
		if other, ok := seen[rank]; ok {
			return fmt.Errorf("rank %d shared by %s and %s", rank, other, key)
		}
		seen[rank] = key
	}
	return nil
}

// Compact keeps the relative order and renumbers the ranks 1..N.
func (m RankMap) Compact() RankMap {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] < m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	out := make(RankMap, len(keys))
	for i, key := range keys {
		out[key] = i + 1
	}
	return out
}

// Without drops the given keys and compacts what is left.
func (m RankMap) Without(keys ...string) RankMap {
	out := m.Clone()
	for _, key := range keys {
		delete(out, key)
	}
	return out.Compact()
}

// Appended places id after every existing entry. An id that is already
// ranked is moved to the end.
func (m RankMap) Appended(id int64) RankMap {
	out, _ := m.Removed(id)
	out[Key(id)] = out.Max() + 1
	return out
}

// Inserted places id directly above or below ref, shifting every entry at or
// after the new rank down by one. An id that is already ranked is moved.
func (m RankMap) Inserted(id, ref int64, side Side) (RankMap, error) {
	if side != SideAbove && side != SideBelow {
		return nil, fmt.Errorf("%w: unknown side %d", ErrInvalidArgument, side)
	}
	if id == ref {
		return nil, fmt.Errorf("%w: shot %d cannot be placed relative to itself", ErrInvalidArgument, id)
	}
	if _, ok := m[Key(ref)]; !ok {
		return nil, fmt.Errorf("%w: reference shot %d is not in the order", ErrNotFound, ref)
	}

	out, _ := m.Removed(id)
	rank := out[Key(ref)]
	if side == SideBelow {
		rank++
	}
	for key, current := range out {
		if current >= rank {
			out[key] = current + 1
		}
	}
	out[Key(id)] = rank
	return out, nil
}

// Removed deletes id and closes the gap it leaves. The boolean reports
// whether id was present.
func (m RankMap) Removed(id int64) (RankMap, bool) {
	out := m.Clone()
	key := Key(id)
	removed, ok := out[key]
	if !ok {
		return out, false
	}
	delete(out, key)
	for k, rank := range out {
		if rank > removed {
			out[k] = rank - 1
		}
	}
	return out, true
}

// missing lists the keys whose id is not in present, invalid keys included.
func (m RankMap) missing(present map[int64]struct{}) []string {
	var keys []string
	for key := range m {
		id, err := strconv.ParseInt(key, 10, 64)
		if err == nil {
			if _, ok := present[id]; ok {
				continue
			}
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
