package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"storyboard/api/internal/ordering"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, username, email, password_hash, created_at, updated_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	created, err := scanUser(s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns,
		user.Username, user.Email, user.PasswordHash,
	))
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("create user %s: %w", user.Email, ErrDuplicate)
	}
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

// EnsureUser inserts user with its given id unless that id is taken, then
// moves the id sequence past it.
func (s *PostgresStore) EnsureUser(ctx context.Context, user User) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin ensure user tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, user.ID, user.Username, user.Email, user.PasswordHash); err != nil {
		return User{}, fmt.Errorf("insert user %d: %w", user.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		SELECT setval(pg_get_serial_sequence('users', 'id'), GREATEST((SELECT MAX(id) FROM users), 1))
	`); err != nil {
		return User{}, fmt.Errorf("advance user sequence: %w", err)
	}
	ensured, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, user.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("ensure user %d: email %s belongs to another user: %w", user.ID, user.Email, ErrDuplicate)
	}
	if err != nil {
		return User{}, fmt.Errorf("read user %d: %w", user.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit ensure user: %w", err)
	}
	return ensured, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) TouchUser(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET updated_at=NOW() WHERE id=$1`, id); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UserExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return exists, nil
}

const shotColumns = `id, user_id, project_id, content, prompt, characters, created_at, updated_at`

func scanShot(row rowScanner) (Shot, error) {
	var (
		shot       Shot
		characters []byte
	)
	if err := row.Scan(&shot.ID, &shot.UserID, &shot.ProjectID, &shot.Content, &shot.Prompt, &characters, &shot.CreatedAt, &shot.UpdatedAt); err != nil {
		return Shot{}, err
	}
	if len(characters) > 0 {
		if err := json.Unmarshal(characters, &shot.Characters); err != nil {
			return Shot{}, fmt.Errorf("decode shot %d characters: %w", shot.ID, err)
		}
	}
	if shot.Characters == nil {
		shot.Characters = []string{}
	}
	return shot, nil
}

func scanShots(rows *sql.Rows) ([]Shot, error) {
	defer rows.Close()
	shots := make([]Shot, 0)
	for rows.Next() {
		shot, err := scanShot(rows)
		if err != nil {
			return nil, err
		}
		shots = append(shots, shot)
	}
	return shots, rows.Err()
}

func encodeStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertShot(ctx context.Context, q execQuerier, shot Shot) (Shot, error) {
	characters, err := encodeStrings(shot.Characters)
	if err != nil {
		return Shot{}, fmt.Errorf("encode characters: %w", err)
	}
	created, err := scanShot(q.QueryRowContext(ctx, `
		INSERT INTO shots (user_id, project_id, content, prompt, characters)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+shotColumns,
		shot.UserID, shot.ProjectID, shot.Content, shot.Prompt, characters,
	))
	if err != nil {
		return Shot{}, fmt.Errorf("insert shot: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) CreateShot(ctx context.Context, shot Shot) (Shot, error) {
	return insertShot(ctx, s.db, shot)
}

// ReplaceScopeShots deletes every shot of scope and inserts shots in their
// place, in one transaction. The created shots come back in input order.
func (s *PostgresStore) ReplaceScopeShots(ctx context.Context, scope ordering.Scope, shots []Shot) ([]Shot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace shots tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM shots WHERE user_id=$1 AND project_id=$2`, scope.UserID, scope.ProjectID); err != nil {
		return nil, fmt.Errorf("delete scope shots: %w", err)
	}
	created := make([]Shot, 0, len(shots))
	for _, shot := range shots {
		shot.UserID, shot.ProjectID = scope.UserID, scope.ProjectID
		item, err := insertShot(ctx, tx, shot)
		if err != nil {
			return nil, err
		}
		created = append(created, item)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace shots: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetShot(ctx context.Context, id int64) (Shot, error) {
	shot, err := scanShot(s.db.QueryRowContext(ctx, `SELECT `+shotColumns+` FROM shots WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Shot{}, fmt.Errorf("shot %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Shot{}, fmt.Errorf("get shot: %w", err)
	}
	return shot, nil
}

// GetShots returns the shots among ids that exist, in no particular order.
func (s *PostgresStore) GetShots(ctx context.Context, ids []int64) ([]Shot, error) {
	if len(ids) == 0 {
		return []Shot{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+shotColumns+` FROM shots WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get shots: %w", err)
	}
	shots, err := scanShots(rows)
	if err != nil {
		return nil, fmt.Errorf("scan shots: %w", err)
	}
	return shots, nil
}

func (s *PostgresStore) ListScopeShots(ctx context.Context, scope ordering.Scope) ([]Shot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+shotColumns+` FROM shots
		WHERE user_id=$1 AND project_id=$2
		ORDER BY updated_at ASC, id ASC
	`, scope.UserID, scope.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list scope shots: %w", err)
	}
	shots, err := scanShots(rows)
	if err != nil {
		return nil, fmt.Errorf("scan scope shots: %w", err)
	}
	return shots, nil
}

func (s *PostgresStore) UpdateShot(ctx context.Context, id int64, patch ShotPatch) (Shot, error) {
	var characters []byte
	if patch.Characters != nil {
		encoded, err := encodeStrings(*patch.Characters)
		if err != nil {
			return Shot{}, fmt.Errorf("encode characters: %w", err)
		}
		characters = encoded
	}
	shot, err := scanShot(s.db.QueryRowContext(ctx, `
		UPDATE shots SET
			content = COALESCE($2, content),
			prompt = COALESCE($3, prompt),
			characters = COALESCE($4::jsonb, characters),
			updated_at = NOW()
		WHERE id=$1
		RETURNING `+shotColumns,
		id, patch.Content, patch.Prompt, characters,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Shot{}, fmt.Errorf("shot %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Shot{}, fmt.Errorf("update shot: %w", err)
	}
	return shot, nil
}

func (s *PostgresStore) DeleteShot(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM shots WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete shot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete shot rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("shot %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteScopeShots(ctx context.Context, scope ordering.Scope) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM shots WHERE user_id=$1 AND project_id=$2`, scope.UserID, scope.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("delete scope shots: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete scope shots rows affected: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) GetItems(ctx context.Context, ids []int64) ([]ordering.Item, error) {
	shots, err := s.GetShots(ctx, ids)
	if err != nil {
		return nil, err
	}
	return shotItems(shots), nil
}

func (s *PostgresStore) ScopeItems(ctx context.Context, scope ordering.Scope) ([]ordering.Item, error) {
	shots, err := s.ListScopeShots(ctx, scope)
	if err != nil {
		return nil, err
	}
	return shotItems(shots), nil
}

const orderColumns = `user_id, project_id, rank_map, script, characters, version, created_at, updated_at`

func scanOrderRecord(row rowScanner) (ordering.Record, error) {
	var (
		record     ordering.Record
		ranks      []byte
		characters []byte
	)
	if err := row.Scan(
		&record.Scope.UserID, &record.Scope.ProjectID, &ranks, &record.Script, &characters,
		&record.Version, &record.CreatedAt, &record.UpdatedAt,
	); err != nil {
		return ordering.Record{}, err
	}
	record.Ranks = ordering.RankMap{}
	if err := json.Unmarshal(ranks, &record.Ranks); err != nil {
		return ordering.Record{}, fmt.Errorf("decode rank map of %s: %w", record.Scope, err)
	}
	record.Characters = map[string]string{}
	if err := json.Unmarshal(characters, &record.Characters); err != nil {
		return ordering.Record{}, fmt.Errorf("decode characters of %s: %w", record.Scope, err)
	}
	return record, nil
}

func (s *PostgresStore) GetOrderRecord(ctx context.Context, scope ordering.Scope) (ordering.Record, error) {
	record, err := scanOrderRecord(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM shot_orders WHERE user_id=$1 AND project_id=$2
	`, scope.UserID, scope.ProjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return ordering.Record{}, ordering.ErrRecordNotFound
	}
	if err != nil {
		return ordering.Record{}, fmt.Errorf("get order record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) CreateOrderRecord(ctx context.Context, scope ordering.Scope) (ordering.Record, error) {
	record, err := scanOrderRecord(s.db.QueryRowContext(ctx, `
		INSERT INTO shot_orders (user_id, project_id)
		VALUES ($1, $2)
		RETURNING `+orderColumns,
		scope.UserID, scope.ProjectID,
	))
	if isUniqueViolation(err) {
		return ordering.Record{}, ordering.ErrRecordExists
	}
	if err != nil {
		return ordering.Record{}, fmt.Errorf("create order record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) SaveRanks(ctx context.Context, scope ordering.Scope, ranks ordering.RankMap, expectedVersion int64) (ordering.Record, error) {
	if ranks == nil {
		ranks = ordering.RankMap{}
	}
	encoded, err := json.Marshal(ranks)
	if err != nil {
		return ordering.Record{}, fmt.Errorf("encode rank map: %w", err)
	}
	record, err := scanOrderRecord(s.db.QueryRowContext(ctx, `
		UPDATE shot_orders
		SET rank_map=$3, version=version+1, updated_at=NOW()
		WHERE user_id=$1 AND project_id=$2 AND version=$4
		RETURNING `+orderColumns,
		scope.UserID, scope.ProjectID, encoded, expectedVersion,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return ordering.Record{}, ordering.ErrVersionConflict
	}
	if err != nil {
		return ordering.Record{}, fmt.Errorf("save rank map: %w", err)
	}
	return record, nil
}

// UpdateScopeDocument changes the script and characters of a scope. The rank
// map and its version are left alone.
func (s *PostgresStore) UpdateScopeDocument(ctx context.Context, scope ordering.Scope, patch ScopePatch) (ordering.Record, error) {
	var characters []byte
	if patch.Characters != nil {
		encoded, err := json.Marshal(patch.Characters)
		if err != nil {
			return ordering.Record{}, fmt.Errorf("encode characters: %w", err)
		}
		characters = encoded
	}
	record, err := scanOrderRecord(s.db.QueryRowContext(ctx, `
		UPDATE shot_orders SET
			script = COALESCE($3, script),
			characters = COALESCE($4::jsonb, characters),
			updated_at = NOW()
		WHERE user_id=$1 AND project_id=$2
		RETURNING `+orderColumns,
		scope.UserID, scope.ProjectID, patch.Script, characters,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return ordering.Record{}, fmt.Errorf("scope %s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return ordering.Record{}, fmt.Errorf("update scope document: %w", err)
	}
	return record, nil
}

// DeleteScope removes the scope's shots and its order record together.
func (s *PostgresStore) DeleteScope(ctx context.Context, scope ordering.Scope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete scope tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM shots WHERE user_id=$1 AND project_id=$2`, scope.UserID, scope.ProjectID); err != nil {
		return fmt.Errorf("delete scope shots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM shot_orders WHERE user_id=$1 AND project_id=$2`, scope.UserID, scope.ProjectID); err != nil {
		return fmt.Errorf("delete order record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete scope: %w", err)
	}
	return nil
}

const configColumns = `user_id, content, comfyui_payload, comfyui_url, openai_url, openai_api_key, model, created_at, updated_at`

func scanConfig(row rowScanner) (UserConfig, error) {
	var (
		cfg     UserConfig
		payload []byte
	)
	if err := row.Scan(&cfg.UserID, &cfg.Content, &payload, &cfg.ComfyUIURL, &cfg.OpenAIURL, &cfg.OpenAIKey, &cfg.Model, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return UserConfig{}, err
	}
	if len(payload) > 0 {
		cfg.ComfyUIPayload = json.RawMessage(payload)
	}
	return cfg, nil
}

func (s *PostgresStore) GetOrCreateConfig(ctx context.Context, userID int64) (UserConfig, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_configs (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return UserConfig{}, fmt.Errorf("ensure user config: %w", err)
	}
	cfg, err := scanConfig(s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM user_configs WHERE user_id=$1`, userID))
	if err != nil {
		return UserConfig{}, fmt.Errorf("get user config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) UpdateConfig(ctx context.Context, userID int64, patch ConfigPatch) (UserConfig, error) {
	if _, err := s.GetOrCreateConfig(ctx, userID); err != nil {
		return UserConfig{}, err
	}
	var payload []byte
	if patch.ComfyUIPayload != nil {
		payload = []byte(patch.ComfyUIPayload)
	}
	cfg, err := scanConfig(s.db.QueryRowContext(ctx, `
		UPDATE user_configs SET
			content = COALESCE($2, content),
			comfyui_payload = COALESCE($3::jsonb, comfyui_payload),
			comfyui_url = COALESCE($4, comfyui_url),
			openai_url = COALESCE($5, openai_url),
			openai_api_key = COALESCE($6, openai_api_key),
			model = COALESCE($7, model),
			updated_at = NOW()
		WHERE user_id=$1
		RETURNING `+configColumns,
		userID, patch.Content, payload, patch.ComfyUIURL, patch.OpenAIURL, patch.OpenAIKey, patch.Model,
	))
	if err != nil {
		return UserConfig{}, fmt.Errorf("update user config: %w", err)
	}
	return cfg, nil
}

const promptColumns = `user_id, character_prompt, shot_prompt, created_at, updated_at`

func scanPrompt(row rowScanner) (UserPrompt, error) {
	var prompt UserPrompt
	err := row.Scan(&prompt.UserID, &prompt.CharacterPrompt, &prompt.ShotPrompt, &prompt.CreatedAt, &prompt.UpdatedAt)
	return prompt, err
}

func (s *PostgresStore) GetOrCreatePrompt(ctx context.Context, userID int64) (UserPrompt, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_prompts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return UserPrompt{}, fmt.Errorf("ensure user prompt: %w", err)
	}
	prompt, err := scanPrompt(s.db.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM user_prompts WHERE user_id=$1`, userID))
	if err != nil {
		return UserPrompt{}, fmt.Errorf("get user prompt: %w", err)
	}
	return prompt, nil
}

func (s *PostgresStore) UpdatePrompt(ctx context.Context, userID int64, patch PromptPatch) (UserPrompt, error) {
	if _, err := s.GetOrCreatePrompt(ctx, userID); err != nil {
		return UserPrompt{}, err
	}
	prompt, err := scanPrompt(s.db.QueryRowContext(ctx, `
		UPDATE user_prompts SET
			character_prompt = COALESCE($2, character_prompt),
			shot_prompt = COALESCE($3, shot_prompt),
			updated_at = NOW()
		WHERE user_id=$1
		RETURNING `+promptColumns,
		userID, patch.CharacterPrompt, patch.ShotPrompt,
	))
	if err != nil {
		return UserPrompt{}, fmt.Errorf("update user prompt: %w", err)
	}
	return prompt, nil
}
