package ordering_test

import (
	"context"
	"sync"
	"time"

	"storyboard/api/internal/ordering"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[ordering.Scope]ordering.Record
	items   map[int64]ordering.Item
	users   map[int64]bool
	clock   time.Time
	nextID  int64

	// beforeSave runs ahead of every SaveRanks call while the lock is held.
	beforeSave func(scope ordering.Scope, record *ordering.Record)
	// createRace makes the next CreateOrderRecord report a unique violation
	// after inserting the record itself.
	createRace bool
	saves      int
}

func newFakeStore(userIDs ...int64) *fakeStore {
	users := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		users[id] = true
	}
	return &fakeStore{
		records: make(map[ordering.Scope]ordering.Record),
		items:   make(map[int64]ordering.Item),
		users:   users,
		clock:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// addItem stores a new item whose UpdatedAt is strictly later than every
// earlier one.
func (f *fakeStore) addItem(scope ordering.Scope) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.clock = f.clock.Add(time.Second)
	f.items[f.nextID] = ordering.Item{ID: f.nextID, Scope: scope, UpdatedAt: f.clock}
	return f.nextID
}

func (f *fakeStore) dropItem(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
}

func (f *fakeStore) ranks(scope ordering.Scope) ordering.RankMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[scope].Ranks.Clone()
}

func (f *fakeStore) setRanks(scope ordering.Scope, ranks ordering.RankMap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := f.records[scope]
	record.Scope = scope
	record.Ranks = ranks
	record.Version++
	f.records[scope] = record
}

func (f *fakeStore) GetOrderRecord(_ context.Context, scope ordering.Scope) (ordering.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[scope]
	if !ok {
		return ordering.Record{}, ordering.ErrRecordNotFound
	}
	record.Ranks = record.Ranks.Clone()
	return record, nil
}

func (f *fakeStore) CreateOrderRecord(_ context.Context, scope ordering.Scope) (ordering.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRace {
		f.createRace = false
		f.records[scope] = ordering.Record{Scope: scope, Ranks: ordering.RankMap{}, Version: 1}
		return ordering.Record{}, ordering.ErrRecordExists
	}
	if _, ok := f.records[scope]; ok {
		return ordering.Record{}, ordering.ErrRecordExists
	}
	record := ordering.Record{Scope: scope, Ranks: ordering.RankMap{}, Characters: map[string]string{}, Version: 1}
	f.records[scope] = record
	return record, nil
}

func (f *fakeStore) SaveRanks(_ context.Context, scope ordering.Scope, ranks ordering.RankMap, expected int64) (ordering.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	record, ok := f.records[scope]
	if !ok {
		return ordering.Record{}, ordering.ErrRecordNotFound
	}
	if f.beforeSave != nil {
		f.beforeSave(scope, &record)
		f.records[scope] = record
	}
	if record.Version != expected {
		return ordering.Record{}, ordering.ErrVersionConflict
	}
	record.Ranks = ranks.Clone()
	record.Version++
	f.records[scope] = record
	return record, nil
}

func (f *fakeStore) GetItems(_ context.Context, ids []int64) ([]ordering.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ordering.Item
	for _, id := range ids {
		if item, ok := f.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) ScopeItems(_ context.Context, scope ordering.Scope) ([]ordering.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ordering.Item
	for _, item := range f.items {
		if item.Scope == scope {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) UserExists(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id], nil
}
