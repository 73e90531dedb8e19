package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

// AdminSource looks up dashboard administrators for login.
type AdminSource interface {
	GetAdminByUsername(ctx context.Context, username string) (*model.Admin, error)
}

type AuthService struct {
	repo   AdminSource
	jwtKey []byte
}

func NewAuthService(repo AdminSource, jwtKey string) *AuthService {
	return &AuthService{repo: repo, jwtKey: []byte(jwtKey)}
}

func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	admin, err := s.repo.GetAdminByUsername(ctx, username)
	if err != nil {
		return "", errors.New("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) != nil {
		return "", errors.New("invalid credentials")
	}

	claims := jwt.MapClaims{
		"sub": admin.ID,
		"usr": admin.Username,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(12 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtKey)
}
