// Package authpw provides email/password registration and login.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"storyboard/api/internal/store"
	"storyboard/api/internal/util"
)

const MinPasswordLength = 6

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	TouchUser(ctx context.Context, id int64) error
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

type RegisterRequest struct {
	Username string
	Email    string
	Password string
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return store.User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return store.User{}, err
	}
	if err := checkPassword(req.Password); err != nil {
		return store.User{}, err
	}

	_, err = s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return store.User{}, ErrEmailTaken
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return s.create(ctx, username, email, req.Password)
}

// Login checks the password of the account registered under email.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return store.User{}, err
	}
	if password == "" {
		return store.User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return s.verify(ctx, user, password)
}

// LoginOrRegister logs in when email is known and otherwise creates an
// account with a generated username. The boolean reports a new account.
func (s *Service) LoginOrRegister(ctx context.Context, email, password string) (store.User, bool, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return store.User{}, false, err
	}
	if err := checkPassword(password); err != nil {
		return store.User{}, false, err
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		user, err = s.verify(ctx, user, password)
		return user, false, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, false, fmt.Errorf("lookup user: %w", err)
	}

	user, err = s.create(ctx, util.RandomUsername(), email, password)
	if errors.Is(err, ErrEmailTaken) {
		// Lost a race with a concurrent registration of the same email.
		return s.loginAfterRace(ctx, email, password)
	}
	if err != nil {
		return store.User{}, false, err
	}
	return user, true, nil
}

func (s *Service) loginAfterRace(ctx context.Context, email, password string) (store.User, bool, error) {
	user, err := s.Login(ctx, email, password)
	return user, false, err
}

func (s *Service) create(ctx context.Context, username, email, password string) (store.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.store.CreateUser(ctx, store.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return store.User{}, ErrEmailTaken
	}
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *Service) verify(ctx context.Context, user store.User, password string) (store.User, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := s.store.TouchUser(ctx, user.ID); err != nil {
		return store.User{}, fmt.Errorf("record login: %w", err)
	}
	return user, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: %q is not a valid email address", ErrInvalidInput, raw)
	}
	return email, nil
}

func checkPassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	return nil
}
