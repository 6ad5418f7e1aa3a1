package users

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"tradefinance-backend/internal/auth"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrDuplicate          = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotConfigured      = errors.New("admin auth not configured")
)

// Service authenticates admin users. Accounts live in Mongo; the
// ADMIN_USER / ADMIN_PASSWORD pair from the environment also signs in so a
// fresh deployment is reachable before any account exists.
type Service struct {
	repo        Repository
	manager     *auth.Manager
	envUser     string
	envPassword string
	now         func() time.Time
}

func NewService(repo Repository, manager *auth.Manager, envUser, envPassword string) *Service {
	return &Service{
		repo:        repo,
		manager:     manager,
		envUser:     envUser,
		envPassword: envPassword,
		now:         time.Now,
	}
}

func (s *Service) Configured() bool {
	return s.manager != nil && len(s.manager.Secret) > 0
}

func (s *Service) envMatch(username, password string) bool {
	if s.envUser == "" || s.envPassword == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.envUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.envPassword)) == 1
	return userOK && passOK
}

func (s *Service) envAccount() User {
	return User{ID: envUserID, Username: s.envUser, Role: auth.RoleAdmin}
}

func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	username, _ = normalizeIdentity(username, "")
	user, err := s.repo.FindByUsername(ctx, username)
	switch {
	case err == nil:
		if auth.ComparePassword(user.PasswordHash, password) != nil {
			return User{}, ErrInvalidCredentials
		}
		_ = s.repo.TouchLogin(ctx, user.ID, s.now())
		return user, nil
	case errors.Is(err, ErrNotFound):
		if s.envMatch(username, password) {
			return s.envAccount(), nil
		}
		return User{}, ErrInvalidCredentials
	default:
		return User{}, err
	}
}

func (s *Service) IssueSession(user User) (Session, error) {
	if !s.Configured() {
		return Session{}, ErrNotConfigured
	}
	access, err := s.manager.NewAccessToken(user.Username, user.Role)
	if err != nil {
		return Session{}, fmt.Errorf("access token: %w", err)
	}
	refresh, err := s.manager.NewRefreshToken(user.Username, user.Role)
	if err != nil {
		return Session{}, fmt.Errorf("refresh token: %w", err)
	}
	return Session{
		Status:       "ok",
		Username:     user.Username,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.manager.AccessTTL.Seconds()),
	}, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (Session, error) {
	if !s.Configured() {
		return Session{}, ErrNotConfigured
	}
	user, err := s.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return Session{}, err
	}
	return s.IssueSession(user)
}

// Refresh rotates both tokens. The account must still exist, so a deleted
// user cannot keep a session alive.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if !s.Configured() {
		return Session{}, ErrNotConfigured
	}
	claims, err := s.manager.ParseAs(refreshToken, auth.TokenRefresh)
	if err != nil || claims.Role != auth.RoleAdmin {
		return Session{}, ErrInvalidCredentials
	}
	user, err := s.repo.FindByUsername(ctx, claims.Subject)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound) && s.envPassword != "" && claims.Subject == s.envUser:
		user = s.envAccount()
	case errors.Is(err, ErrNotFound):
		return Session{}, ErrInvalidCredentials
	default:
		return Session{}, err
	}
	return s.IssueSession(user)
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (User, error) {
	username, email := normalizeIdentity(req.Username, req.Email)
	if err := auth.CheckStrength(req.Password); err != nil {
		return User{}, err
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return User{}, err
	}
	now := s.now()
	user := User{
		ID:           primitive.NewObjectID().Hex(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return User{}, err
	}
	return user, nil
}

// ChangePassword sets a new password for id. An admin changing their own
// password must also present the current one.
func (s *Service) ChangePassword(ctx context.Context, id string, req PasswordRequest, actor string) error {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if user.Username == actor && auth.ComparePassword(user.PasswordHash, req.CurrentPassword) != nil {
		return ErrInvalidCredentials
	}
	if err := auth.CheckStrength(req.Password); err != nil {
		return err
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return err
	}
	return s.repo.UpdatePassword(ctx, id, hash, s.now())
}

// EnsureUser creates username with password unless it already exists. It
// reports whether an account was created.
func (s *Service) EnsureUser(ctx context.Context, username, email, password string) (bool, error) {
	username, _ = normalizeIdentity(username, "")
	if _, err := s.repo.FindByUsername(ctx, username); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if _, err := s.Create(ctx, CreateRequest{Username: username, Email: email, Password: password}); err != nil {
		return false, err
	}
	return true, nil
}
