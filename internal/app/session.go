package app

import (
	"context"
	"errors"
	"net/http"

	"storyboard/api/internal/authpw"
	"storyboard/api/internal/store"
)

type AuthResult struct {
	Token     string     `json:"accessToken"`
	TokenType string     `json:"tokenType"`
	ExpiresIn int64      `json:"expiresIn"`
	User      store.User `json:"user"`
	Created   bool       `json:"created,omitempty"`
}

type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (AuthResult, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{
		Username: input.Username,
		Email:    input.Email,
		Password: input.Password,
	})
	if err != nil {
		return AuthResult{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return s.issue(user, true)
}

func (s *Service) Login(ctx context.Context, input LoginInput) (AuthResult, error) {
	user, err := s.passwords.Login(ctx, input.Email, input.Password)
	if err != nil {
		return AuthResult{}, err
	}
	return s.issue(user, false)
}

// LoginOrRegister signs in an existing email or creates an account for it.
func (s *Service) LoginOrRegister(ctx context.Context, input LoginInput) (AuthResult, error) {
	user, created, err := s.passwords.LoginOrRegister(ctx, input.Email, input.Password)
	if err != nil {
		return AuthResult{}, err
	}
	if created {
		s.logger.Info("user registered on first login", "user_id", user.ID, "username", user.Username)
	}
	return s.issue(user, created)
}

func (s *Service) issue(user store.User, created bool) (AuthResult, error) {
	token, err := s.tokens.Issue(user.ID, user.Username, user.Email)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int64(s.tokens.TTL().Seconds()),
		User:      user,
		Created:   created,
	}, nil
}

// SessionFromToken resolves a bearer token to its still existing user.
func (s *Service) SessionFromToken(ctx context.Context, token string) (store.User, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return store.User{}, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return store.User{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "User no longer exists", nil)
	}
	if err != nil {
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) CurrentUser(ctx context.Context, userID int64) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "User not found", map[string]any{"userId": userID})
	}
	return user, err
}
