package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/potplag/potplag/internal/domain"
	"github.com/potplag/potplag/internal/logger"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrUserExists         = errors.New("username or email is already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserDisabled       = errors.New("account is disabled")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is the persistence surface the auth service needs.
// Implemented by repository.UserRepository.
type UserStore interface {
	Create(ctx context.Context, user *domain.User) error
	Update(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id uint) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error)
}

// Claims is the JWT payload carried by authenticated requests.
type Claims struct {
	UserID  uint `json:"uid"`
	IsAdmin bool `json:"adm"`
	jwt.RegisteredClaims
}

// AuthService handles registration, login, and token verification.
type AuthService struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
	logger *logger.Logger
}

// NewAuthService creates a new auth service.
// Parameters:
//   - users: user store.
//   - secret: HMAC signing secret for tokens.
//   - ttl: token lifetime.
//   - log: logger instance.
// Returns:
//   - *AuthService: initialized service.
func NewAuthService(users UserStore, secret string, ttl time.Duration, log *logger.Logger) *AuthService {
	return &AuthService{
		users:  users,
		secret: []byte(secret),
		ttl:    ttl,
		logger: log,
	}
}

// Register creates a new user account with a bcrypt-hashed password.
// Parameters:
//   - ctx: context for cancellation.
//   - username: desired username.
//   - email: account email.
//   - password: plaintext password, hashed before storage.
// Returns:
//   - *domain.User: the created user.
//   - error: ErrUserExists when the username or email is taken.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" || email == "" || len(password) < 8 {
		return nil, fmt.Errorf("username, email, and a password of at least 8 characters are required")
	}

	exists, err := s.users.ExistsByUsernameOrEmail(ctx, username, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing user: %w", err)
	}
	if exists {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		IsActive:     true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	logger.CtxInfo(ctx, "User registered: %s", username)
	return user, nil
}

// Login verifies credentials and issues a signed token.
// Parameters:
//   - ctx: context for cancellation.
//   - username: username or email.
//   - password: plaintext password.
// Returns:
//   - string: signed JWT.
//   - *domain.User: the authenticated user.
//   - error: ErrInvalidCredentials or ErrUserDisabled.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, *domain.User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, gorm.ErrRecordNotFound) && strings.Contains(username, "@") {
		user, err = s.users.GetByEmail(ctx, strings.ToLower(username))
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("failed to load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return "", nil, ErrUserDisabled
	}

	now := time.Now().UTC()
	user.LastLogin = &now
	if err := s.users.Update(ctx, user); err != nil {
		logger.CtxWarn(ctx, "Failed to record last login for user %d: %v", user.ID, err)
	}

	claims := Claims{
		UserID:  user.ID,
		IsAdmin: user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	logger.CtxInfo(ctx, "User logged in: %s", user.Username)
	return token, user, nil
}

// ParseToken validates a signed token and returns its claims.
// Parameters:
//   - tokenString: raw JWT from the Authorization header.
// Returns:
//   - *Claims: verified claims.
//   - error: ErrInvalidToken on any validation failure.
func (s *AuthService) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
