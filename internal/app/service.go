package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"storyboard/api/internal/auth"
	"storyboard/api/internal/authpw"
	"storyboard/api/internal/config"
	"storyboard/api/internal/ordering"
	"storyboard/api/internal/store"
)

type dataStore interface {
	ordering.RecordStore
	ordering.ItemStore
	ordering.UserDirectory
	authpw.UserStore

	Ping(context.Context) error
	EnsureUser(context.Context, store.User) (store.User, error)
	GetUserByID(context.Context, int64) (store.User, error)

	CreateShot(context.Context, store.Shot) (store.Shot, error)
	ReplaceScopeShots(context.Context, ordering.Scope, []store.Shot) ([]store.Shot, error)
	GetShot(context.Context, int64) (store.Shot, error)
	GetShots(context.Context, []int64) ([]store.Shot, error)
	UpdateShot(context.Context, int64, store.ShotPatch) (store.Shot, error)
	DeleteShot(context.Context, int64) error
	DeleteScopeShots(context.Context, ordering.Scope) (int64, error)

	UpdateScopeDocument(context.Context, ordering.Scope, store.ScopePatch) (ordering.Record, error)
	DeleteScope(context.Context, ordering.Scope) error

	GetOrCreateConfig(context.Context, int64) (store.UserConfig, error)
	UpdateConfig(context.Context, int64, store.ConfigPatch) (store.UserConfig, error)
	GetOrCreatePrompt(context.Context, int64) (store.UserPrompt, error)
	UpdatePrompt(context.Context, int64, store.PromptPatch) (store.UserPrompt, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	order     *ordering.Service
	tokens    *auth.Issuer
	passwords *authpw.Service
	lock      pinger
	logger    *slog.Logger
}

// pinger is implemented by lockers backed by a remote service.
type pinger interface {
	Ping(ctx context.Context) error
}

// NewService wires the shot, scope and account operations over one store.
// A nil locker leaves scope writes guarded by version checks alone.
func NewService(cfg config.Config, data dataStore, locker ordering.Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	lock, _ := locker.(pinger)
	return &Service{
		cfg:   cfg,
		store: data,
		order: ordering.NewService(data, data, data,
			ordering.WithLocker(locker),
			ordering.WithLogger(logger.With("component", "ordering")),
			ordering.WithAttempts(cfg.OrderAttempts),
		),
		tokens:    auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL()),
		passwords: authpw.NewService(data),
		lock:      lock,
		logger:    logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingLock checks the scope lock backend. It reports false when the locker
// is in-process and has nothing to check.
func (s *Service) PingLock(ctx context.Context) (bool, error) {
	if s.lock == nil {
		return false, nil
	}
	return true, s.lock.Ping(ctx)
}

func (s *Service) Config() config.Config {
	return s.cfg
}

// Bootstrap makes sure the user behind the default scope exists. Its
// password hash matches no password, so the account cannot log in.
func (s *Service) Bootstrap(ctx context.Context) error {
	user, err := s.store.EnsureUser(ctx, store.User{
		ID:           s.cfg.DefaultUserID,
		Username:     "default",
		Email:        fmt.Sprintf("default-%d@storyboard.local", s.cfg.DefaultUserID),
		PasswordHash: "!",
	})
	if err != nil {
		return fmt.Errorf("ensure default user: %w", err)
	}
	s.logger.Info("default user ready", "user_id", user.ID, "project_id", s.cfg.DefaultProjectID)
	return nil
}

func (s *Service) requireUser(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user id is required", ordering.ErrInvalidScope)
	}
	exists, err := s.store.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return domainError(http.StatusNotFound, "USER_NOT_FOUND", "User not found", map[string]any{"userId": userID})
	}
	return nil
}

// ownedShot loads shot id and hides shots of other scopes behind NotFound.
func (s *Service) ownedShot(ctx context.Context, scope ordering.Scope, id int64) (store.Shot, error) {
	if err := scope.Validate(); err != nil {
		return store.Shot{}, err
	}
	shot, err := s.store.GetShot(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Shot{}, shotNotFound(id)
	}
	if err != nil {
		return store.Shot{}, err
	}
	if shot.Scope() != scope {
		return store.Shot{}, shotNotFound(id)
	}
	return shot, nil
}

func shotNotFound(id int64) error {
	return domainError(http.StatusNotFound, "SHOT_NOT_FOUND", "Shot not found", map[string]any{"shotId": id})
}
