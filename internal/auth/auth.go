package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agora/internal/content"
	"agora/internal/storage"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = time.Hour
	loginFailedMessage = "No account with given username and password."
)

var (
	ErrUserExists         = errors.New("account already exists")
	ErrInvalidCredentials = errors.New(loginFailedMessage)
	ErrThrottled          = errors.New("too many failed login attempts")
	ErrInvalidPassword    = errors.New("password cannot be empty")
)

type UserStore interface {
	CreateUser(username string, passwordHash []byte) error
	GetUser(username string) (storage.DBUser, error)
}

// loginAttempts counts consecutive failures to throttle brute force attacks.
type loginAttempts struct {
	Failed      int64
	LastAttempt int64
}

type Config struct {
	TokenExpiry time.Duration
	BcryptCost  int
}

type AuthService struct {
	Config
	users      UserStore
	attempts   *geche.Locker[string, *loginAttempts]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must not be negative")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost %d out of range", c.BcryptCost)
	}
	return nil
}

func NewAuthService(ctx context.Context, config Config, users UserStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		users:      users,
		attempts:   geche.NewLocker[string, *loginAttempts](geche.NewMapCache[string, *loginAttempts]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Signup creates the account and returns a fresh session token.
func (as *AuthService) Signup(username, password string) (string, error) {
	if err := as.createUser(username, password); err != nil {
		return "", err
	}
	return as.issueToken(username)
}

// AddUser creates an account with a random password and returns it. It is
// meant for operators provisioning accounts out of band.
func (as *AuthService) AddUser(username string) (string, error) {
	password, err := as.generateToken()
	if err != nil {
		return "", err
	}
	if err := as.createUser(username, password); err != nil {
		return "", err
	}
	return password, nil
}

func (as *AuthService) createUser(username, password string) error {
	if err := content.ValidateUsername(username); err != nil {
		return err
	}
	if password == "" {
		return ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), as.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := as.users.CreateUser(username, hash); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// Login checks the password and returns a fresh session token.
func (as *AuthService) Login(username, password string) (string, error) {
	now := as.now()
	tx := as.attempts.Lock()
	defer tx.Unlock()

	attempts, err := tx.Get(username)
	if err != nil {
		attempts = &loginAttempts{}
		tx.Set(username, attempts)
	}

	if attempts.Failed > 3 {
		nextAttempt := attempts.LastAttempt + 30*(attempts.Failed*attempts.Failed)
		if now.Unix() < nextAttempt {
			return "", fmt.Errorf("%w: next attempt in %d seconds", ErrThrottled, nextAttempt-now.Unix())
		}
	}

	user, err := as.users.GetUser(username)
	if err != nil {
		attempts.Failed++
		attempts.LastAttempt = now.Unix()
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		attempts.Failed++
		attempts.LastAttempt = now.Unix()
		return "", ErrInvalidCredentials
	}

	attempts.Failed = 0
	attempts.LastAttempt = now.Unix()
	return as.issueToken(username)
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

// GetUsername resolves a live token to its account.
func (as *AuthService) GetUsername(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidCredentials
	}
	return as.liveTokens.Get(token)
}

func (as *AuthService) issueToken(username string) (string, error) {
	token, err := as.generateToken()
	if err != nil {
		slog.Error("token generation failed", "username", username, "error", err)
		return "", err
	}
	as.liveTokens.Set(token, username)
	return token, nil
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
