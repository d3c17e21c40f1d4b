package ordering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type RecordStore interface {
	GetOrderRecord(context.Context, Scope) (Record, error)
	CreateOrderRecord(context.Context, Scope) (Record, error)
	// SaveRanks replaces the rank map if the stored version still equals
	// the expected one, otherwise it returns ErrVersionConflict.
	SaveRanks(ctx context.Context, scope Scope, ranks RankMap, expectedVersion int64) (Record, error)
}

type ItemStore interface {
	GetItems(context.Context, []int64) ([]Item, error)
	ScopeItems(context.Context, Scope) ([]Item, error)
}

type UserDirectory interface {
	UserExists(context.Context, int64) (bool, error)
}

// Locker serialises read-modify-write cycles on one scope.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type noLock struct{}

func (noLock) Lock(context.Context, string) (func(), error) { return func() {}, nil }

const defaultAttempts = 3

type Option func(*Service)

func WithLocker(locker Locker) Option {
	return func(s *Service) {
		if locker != nil {
			s.locker = locker
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAttempts bounds how often a write is retried after a version conflict.
func WithAttempts(attempts int) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

type Service struct {
	records  RecordStore
	items    ItemStore
	users    UserDirectory
	locker   Locker
	logger   *slog.Logger
	attempts int
}

func NewService(records RecordStore, items ItemStore, users UserDirectory, opts ...Option) *Service {
	s := &Service{
		records:  records,
		items:    items,
		users:    users,
		locker:   noLock{},
		logger:   slog.Default(),
		attempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the order record of scope, creating an empty one on first
// touch. The scope's user must exist.
func (s *Service) Load(ctx context.Context, scope Scope) (Record, error) {
	if err := scope.Validate(); err != nil {
		return Record{}, err
	}
	return s.load(ctx, scope)
}

func (s *Service) load(ctx context.Context, scope Scope) (Record, error) {
	record, err := s.records.GetOrderRecord(ctx, scope)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return Record{}, fmt.Errorf("load order record: %w", err)
	}

	exists, err := s.users.UserExists(ctx, scope.UserID)
	if err != nil {
		return Record{}, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return Record{}, fmt.Errorf("%w: user %d", ErrNotFound, scope.UserID)
	}

	record, err = s.records.CreateOrderRecord(ctx, scope)
	if errors.Is(err, ErrRecordExists) {
		s.logger.Debug("order record created concurrently", "scope", scope.String())
		record, err = s.records.GetOrderRecord(ctx, scope)
		if err != nil {
			return Record{}, fmt.Errorf("reload order record: %w", err)
		}
		return record, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("create order record: %w", err)
	}
	s.logger.Info("order record created", "scope", scope.String())
	return record, nil
}

// mutate runs one read-modify-write cycle under the scope lock. fn reports
// whether its result must be written; a stale version restarts the cycle.
func (s *Service) mutate(ctx context.Context, scope Scope, op string, fn func(Record) (RankMap, bool, error)) (Record, error) {
	if err := scope.Validate(); err != nil {
		return Record{}, err
	}
	unlock, err := s.locker.Lock(ctx, scope.String())
	if err != nil {
		return Record{}, fmt.Errorf("%s: lock scope %s: %w", op, scope, err)
	}
	defer unlock()

	for attempt := 1; attempt <= s.attempts; attempt++ {
		record, err := s.load(ctx, scope)
		if err != nil {
			return Record{}, err
		}
		next, write, err := fn(record)
		if err != nil {
			return Record{}, err
		}
		if !write {
			return record, nil
		}
		saved, err := s.records.SaveRanks(ctx, scope, next, record.Version)
		if errors.Is(err, ErrVersionConflict) {
			s.logger.Warn("order record changed underneath update",
				"scope", scope.String(),
				"op", op,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return Record{}, fmt.Errorf("%s: save ranks: %w", op, err)
		}
		return saved, nil
	}
	return Record{}, fmt.Errorf("%s scope %s: %w", op, scope, ErrConflict)
}

// OrderedIDs lists the scope's item ids ascending by rank. A rank map whose
// size disagrees with the items found for it is rebuilt from the scope's
// items; keys still left without an item afterwards are dropped.
func (s *Service) OrderedIDs(ctx context.Context, scope Scope) ([]Entry, error) {
	var entries []Entry
	_, err := s.mutate(ctx, scope, "ordered ids", func(record Record) (RankMap, bool, error) {
		entries = nil
		ranks := record.Ranks
		write := false

		var present map[int64]struct{}
		if len(ranks) > 0 {
			ids, _ := ranks.IDs()
			found, err := s.items.GetItems(ctx, ids)
			if err != nil {
				return nil, false, fmt.Errorf("fetch items: %w", err)
			}
			// Counted before the scope filter: a key that resolves to another
			// scope's shot is an orphan, not drift.
			present = itemSet(scope, found)
			if len(found) != len(ranks) {
				s.logger.Warn("rank map drifted from stored shots",
					"scope", scope.String(),
					"ranked", len(ranks),
					"found", len(found),
				)
				ranks, present, err = s.reconcile(ctx, scope)
				if err != nil {
					return nil, false, err
				}
				write = true
			}
		} else {
			// An empty map must mean an empty scope.
			actual, err := s.items.ScopeItems(ctx, scope)
			if err != nil {
				return nil, false, fmt.Errorf("list scope items: %w", err)
			}
			actual = inScope(scope, actual)
			if len(actual) == 0 {
				return nil, false, nil
			}
			s.logger.Warn("empty rank map for non-empty scope",
				"scope", scope.String(),
				"found", len(actual),
			)
			ranks = Reconcile(actual)
			present = itemSet(scope, actual)
			write = true
		}

		if orphans := ranks.missing(present); len(orphans) > 0 {
			s.logger.Warn("dropping rank keys without shots",
				"scope", scope.String(),
				"keys", orphans,
			)
			ranks = ranks.Without(orphans...)
			write = true
		}
		entries = ranks.Entries()
		return ranks, write, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) reconcile(ctx context.Context, scope Scope) (RankMap, map[int64]struct{}, error) {
	actual, err := s.items.ScopeItems(ctx, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("list scope items: %w", err)
	}
	actual = inScope(scope, actual)
	return Reconcile(actual), itemSet(scope, actual), nil
}

// Append ranks id after every existing item.
func (s *Service) Append(ctx context.Context, scope Scope, id int64) (RankMap, error) {
	record, err := s.mutate(ctx, scope, "append", func(record Record) (RankMap, bool, error) {
		return record.Ranks.Appended(id), true, nil
	})
	if err != nil {
		return nil, err
	}
	return record.Ranks, nil
}

// InsertRelative ranks id directly above or below ref.
func (s *Service) InsertRelative(ctx context.Context, scope Scope, id, ref int64, side Side) (RankMap, error) {
	record, err := s.mutate(ctx, scope, "insert", func(record Record) (RankMap, bool, error) {
		next, err := record.Ranks.Inserted(id, ref, side)
		if err != nil {
			return nil, false, err
		}
		return next, true, nil
	})
	if err != nil {
		return nil, err
	}
	return record.Ranks, nil
}

// Remove unranks id and closes the gap. Unknown ids leave the map untouched.
func (s *Service) Remove(ctx context.Context, scope Scope, id int64) (RankMap, error) {
	record, err := s.mutate(ctx, scope, "remove", func(record Record) (RankMap, bool, error) {
		next, ok := record.Ranks.Removed(id)
		if !ok {
			s.logger.Debug("shot not ranked, nothing to remove", "scope", scope.String(), "shot_id", id)
			return nil, false, nil
		}
		return next, true, nil
	})
	if err != nil {
		return nil, err
	}
	return record.Ranks, nil
}

// BulkSet overwrites the rank map. The caller owns its contiguity.
func (s *Service) BulkSet(ctx context.Context, scope Scope, ranks RankMap) (RankMap, error) {
	if err := ranks.Validate(); err != nil {
		s.logger.Warn("bulk rank map is not contiguous", "scope", scope.String(), "error", err)
	}
	record, err := s.mutate(ctx, scope, "bulk set", func(Record) (RankMap, bool, error) {
		return ranks.Clone(), true, nil
	})
	if err != nil {
		return nil, err
	}
	return record.Ranks, nil
}

// Rebuild replaces the rank map with one reconciled from items, which should
// be exactly the items the scope currently owns.
func (s *Service) Rebuild(ctx context.Context, scope Scope, items []Item) (RankMap, error) {
	record, err := s.mutate(ctx, scope, "rebuild", func(Record) (RankMap, bool, error) {
		return Reconcile(items), true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("rank map rebuilt", "scope", scope.String(), "items", len(record.Ranks))
	return record.Ranks, nil
}
