package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"storyboard/api/internal/ordering"
)

// MemoryStore keeps everything in process memory. It serves local
// development and tests; timestamps it hands out are strictly increasing.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[int64]User
	shots   map[int64]Shot
	orders  map[ordering.Scope]ordering.Record
	configs map[int64]UserConfig
	prompts map[int64]UserPrompt

	nextUserID int64
	nextShotID int64
	last       time.Time
	clock      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[int64]User),
		shots:   make(map[int64]Shot),
		orders:  make(map[ordering.Scope]ordering.Record),
		configs: make(map[int64]UserConfig),
		prompts: make(map[int64]UserPrompt),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// tick must be called with mu held for writing.
func (m *MemoryStore) tick() time.Time {
	t := m.clock()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emailTaken(user.Email, 0) {
		return User{}, fmt.Errorf("create user %s: %w", user.Email, ErrDuplicate)
	}
	m.nextUserID++
	user.ID = m.nextUserID
	user.CreatedAt = m.tick()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return user, nil
}

func (m *MemoryStore) EnsureUser(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[user.ID]; ok {
		return existing, nil
	}
	if m.emailTaken(user.Email, user.ID) {
		return User{}, fmt.Errorf("ensure user %d: email %s belongs to another user: %w", user.ID, user.Email, ErrDuplicate)
	}
	user.CreatedAt = m.tick()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	if user.ID > m.nextUserID {
		m.nextUserID = user.ID
	}
	return user, nil
}

func (m *MemoryStore) emailTaken(email string, except int64) bool {
	for id, user := range m.users {
		if id != except && strings.EqualFold(user.Email, email) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetUserByID(_ context.Context, id int64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return user, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, fmt.Errorf("user %s: %w", email, ErrNotFound)
}

func (m *MemoryStore) TouchUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok {
		user.UpdatedAt = m.tick()
		m.users[id] = user
	}
	return nil
}

func (m *MemoryStore) UserExists(_ context.Context, id int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[id]
	return ok, nil
}

func cloneShot(shot Shot) Shot {
	shot.Characters = append([]string{}, shot.Characters...)
	return shot
}

func (m *MemoryStore) insertShot(shot Shot) (Shot, error) {
	if _, ok := m.users[shot.UserID]; !ok {
		return Shot{}, fmt.Errorf("insert shot: user %d: %w", shot.UserID, ErrNotFound)
	}
	m.nextShotID++
	shot.ID = m.nextShotID
	shot.CreatedAt = m.tick()
	shot.UpdatedAt = shot.CreatedAt
	shot = cloneShot(shot)
	m.shots[shot.ID] = shot
	return cloneShot(shot), nil
}

func (m *MemoryStore) CreateShot(_ context.Context, shot Shot) (Shot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertShot(shot)
}

func (m *MemoryStore) ReplaceScopeShots(_ context.Context, scope ordering.Scope, shots []Shot) ([]Shot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[scope.UserID]; !ok {
		return nil, fmt.Errorf("replace shots: user %d: %w", scope.UserID, ErrNotFound)
	}
	m.deleteScopeShots(scope)
	created := make([]Shot, 0, len(shots))
	for _, shot := range shots {
		shot.UserID, shot.ProjectID = scope.UserID, scope.ProjectID
		item, err := m.insertShot(shot)
		if err != nil {
			return nil, err
		}
		created = append(created, item)
	}
	return created, nil
}

func (m *MemoryStore) GetShot(_ context.Context, id int64) (Shot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shot, ok := m.shots[id]
	if !ok {
		return Shot{}, fmt.Errorf("shot %d: %w", id, ErrNotFound)
	}
	return cloneShot(shot), nil
}

func (m *MemoryStore) GetShots(_ context.Context, ids []int64) ([]Shot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shots := make([]Shot, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if shot, ok := m.shots[id]; ok {
			shots = append(shots, cloneShot(shot))
		}
	}
	return shots, nil
}

func (m *MemoryStore) ListScopeShots(_ context.Context, scope ordering.Scope) ([]Shot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shots := make([]Shot, 0)
	for _, shot := range m.shots {
		if shot.Scope() == scope {
			shots = append(shots, cloneShot(shot))
		}
	}
	sort.Slice(shots, func(i, j int) bool {
		if !shots[i].UpdatedAt.Equal(shots[j].UpdatedAt) {
			return shots[i].UpdatedAt.Before(shots[j].UpdatedAt)
		}
		return shots[i].ID < shots[j].ID
	})
	return shots, nil
}

func (m *MemoryStore) UpdateShot(_ context.Context, id int64, patch ShotPatch) (Shot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shot, ok := m.shots[id]
	if !ok {
		return Shot{}, fmt.Errorf("shot %d: %w", id, ErrNotFound)
	}
	if patch.Content != nil {
		shot.Content = *patch.Content
	}
	if patch.Prompt != nil {
		shot.Prompt = *patch.Prompt
	}
	if patch.Characters != nil {
		shot.Characters = append([]string{}, (*patch.Characters)...)
	}
	shot.UpdatedAt = m.tick()
	m.shots[id] = shot
	return cloneShot(shot), nil
}

func (m *MemoryStore) DeleteShot(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shots[id]; !ok {
		return fmt.Errorf("shot %d: %w", id, ErrNotFound)
	}
	delete(m.shots, id)
	return nil
}

func (m *MemoryStore) DeleteScopeShots(_ context.Context, scope ordering.Scope) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteScopeShots(scope), nil
}

func (m *MemoryStore) deleteScopeShots(scope ordering.Scope) int64 {
	var n int64
	for id, shot := range m.shots {
		if shot.Scope() == scope {
			delete(m.shots, id)
			n++
		}
	}
	return n
}

func (m *MemoryStore) GetItems(ctx context.Context, ids []int64) ([]ordering.Item, error) {
	shots, err := m.GetShots(ctx, ids)
	if err != nil {
		return nil, err
	}
	return shotItems(shots), nil
}

func (m *MemoryStore) ScopeItems(ctx context.Context, scope ordering.Scope) ([]ordering.Item, error) {
	shots, err := m.ListScopeShots(ctx, scope)
	if err != nil {
		return nil, err
	}
	return shotItems(shots), nil
}

func cloneRecord(record ordering.Record) ordering.Record {
	record.Ranks = record.Ranks.Clone()
	characters := make(map[string]string, len(record.Characters))
	for k, v := range record.Characters {
		characters[k] = v
	}
	record.Characters = characters
	return record
}

func (m *MemoryStore) GetOrderRecord(_ context.Context, scope ordering.Scope) (ordering.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.orders[scope]
	if !ok {
		return ordering.Record{}, ordering.ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

func (m *MemoryStore) CreateOrderRecord(_ context.Context, scope ordering.Scope) (ordering.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[scope]; ok {
		return ordering.Record{}, ordering.ErrRecordExists
	}
	ts := m.tick()
	record := ordering.Record{
		Scope:      scope,
		Ranks:      ordering.RankMap{},
		Characters: map[string]string{},
		Version:    1,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	m.orders[scope] = record
	return cloneRecord(record), nil
}

func (m *MemoryStore) SaveRanks(_ context.Context, scope ordering.Scope, ranks ordering.RankMap, expectedVersion int64) (ordering.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.orders[scope]
	if !ok || record.Version != expectedVersion {
		return ordering.Record{}, ordering.ErrVersionConflict
	}
	record.Ranks = ranks.Clone()
	record.Version++
	record.UpdatedAt = m.tick()
	m.orders[scope] = record
	return cloneRecord(record), nil
}

func (m *MemoryStore) UpdateScopeDocument(_ context.Context, scope ordering.Scope, patch ScopePatch) (ordering.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.orders[scope]
	if !ok {
		return ordering.Record{}, fmt.Errorf("scope %s: %w", scope, ErrNotFound)
	}
	if patch.Script != nil {
		record.Script = *patch.Script
	}
	if patch.Characters != nil {
		record.Characters = patch.Characters
	}
	record.UpdatedAt = m.tick()
	record = cloneRecord(record)
	m.orders[scope] = record
	return cloneRecord(record), nil
}

func (m *MemoryStore) DeleteScope(_ context.Context, scope ordering.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteScopeShots(scope)
	delete(m.orders, scope)
	return nil
}

func (m *MemoryStore) GetOrCreateConfig(_ context.Context, userID int64) (UserConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config(userID), nil
}

func (m *MemoryStore) config(userID int64) UserConfig {
	cfg, ok := m.configs[userID]
	if !ok {
		ts := m.tick()
		cfg = UserConfig{UserID: userID, CreatedAt: ts, UpdatedAt: ts}
		m.configs[userID] = cfg
	}
	return cfg
}

func (m *MemoryStore) UpdateConfig(_ context.Context, userID int64, patch ConfigPatch) (UserConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.config(userID)
	if patch.Content != nil {
		cfg.Content = *patch.Content
	}
	if patch.ComfyUIPayload != nil {
		cfg.ComfyUIPayload = append(json.RawMessage{}, patch.ComfyUIPayload...)
	}
	if patch.ComfyUIURL != nil {
		cfg.ComfyUIURL = *patch.ComfyUIURL
	}
	if patch.OpenAIURL != nil {
		cfg.OpenAIURL = *patch.OpenAIURL
	}
	if patch.OpenAIKey != nil {
		cfg.OpenAIKey = *patch.OpenAIKey
	}
	if patch.Model != nil {
		cfg.Model = *patch.Model
	}
	cfg.UpdatedAt = m.tick()
	m.configs[userID] = cfg
	return cfg, nil
}

func (m *MemoryStore) GetOrCreatePrompt(_ context.Context, userID int64) (UserPrompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompt(userID), nil
}

func (m *MemoryStore) prompt(userID int64) UserPrompt {
	prompt, ok := m.prompts[userID]
	if !ok {
		ts := m.tick()
		prompt = UserPrompt{UserID: userID, CreatedAt: ts, UpdatedAt: ts}
		m.prompts[userID] = prompt
	}
	return prompt
}

func (m *MemoryStore) UpdatePrompt(_ context.Context, userID int64, patch PromptPatch) (UserPrompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prompt := m.prompt(userID)
	if patch.CharacterPrompt != nil {
		prompt.CharacterPrompt = *patch.CharacterPrompt
	}
	if patch.ShotPrompt != nil {
		prompt.ShotPrompt = *patch.ShotPrompt
	}
	prompt.UpdatedAt = m.tick()
	m.prompts[userID] = prompt
	return prompt, nil
}
