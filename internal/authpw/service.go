// Package authpw provides username/password authentication.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"couponverse/api/internal/embedding"
	"couponverse/api/internal/store"
	"couponverse/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a wrong username or password; the
// caller cannot tell which.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrUserExists is returned when registering an already-taken username.
var ErrUserExists = errors.New("username already registered")

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByName(ctx context.Context, userName string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// Service provides username/password authentication
type Service struct {
	store UserStore
	// embeddingDim sizes the zero preference vector seeded at registration.
	embeddingDim int
}

// NewService creates a new auth service
func NewService(store UserStore, embeddingDim int) *Service {
	return &Service{store: store, embeddingDim: embeddingDim}
}

// RegisterRequest contains registration parameters
type RegisterRequest struct {
	UserName   string
	Password   string
	PictureKey string
}

// Register creates a new user account. The account starts with no coupons
// and a zero average-embedding vector.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	if req.UserName == "" || req.Password == "" {
		return store.User{}, errors.New("username and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByName(ctx, req.UserName); err == nil {
		return store.User{}, ErrUserExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		UserName:     req.UserName,
		PasswordHash: string(hash),
		PictureKey:   req.PictureKey,
		EmbeddingDim: s.embeddingDim,
		AvgEmbedding: embedding.Zero(s.embeddingDim),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login authenticates a user by username and password.
func (s *Service) Login(ctx context.Context, userName, password string) (store.User, error) {
	if userName == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByName(ctx, userName)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// HashPassword hashes a new password for profile updates.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
