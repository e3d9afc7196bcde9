// Package authservice handles accounts and login sessions: bcrypt password
// hashing, HS256 session tokens and a revocable session store.
package authservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"notesync/backend/internal/logging"
	"notesync/backend/internal/note"
	"notesync/backend/internal/user"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrSessionExpired     = errors.New("session expired")
)

const (
	maxUsernameLen = 64
	minPasswordLen = 6
	maxPasswordLen = 72 // bcrypt ignores the rest
)

// Identity is what an authenticated request carries around.
type Identity struct {
	UserID   uint64 `json:"id"`
	Username string `json:"username"`
}

type Token struct {
	Value     string
	ExpiresAt time.Time
}

type Service struct {
	users      user.Repository
	sessions   SessionStore
	tokens     *TokenIssuer
	ttl        time.Duration
	bcryptCost int
	log        logging.Logger
}

type Option func(*Service)

// WithBcryptCost lowers hashing cost; tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

func WithLogger(l logging.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(users user.Repository, sessions SessionStore, secret string, ttl time.Duration, opts ...Option) *Service {
	s := &Service{
		users:      users,
		sessions:   sessions,
		tokens:     NewTokenIssuer(secret, ttl),
		ttl:        ttl,
		bcryptCost: bcrypt.DefaultCost,
		log:        logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateRegistration(username, email, password string) error {
	username = strings.TrimSpace(username)
	switch {
	case username == "" || utf8.RuneCountInString(username) > maxUsernameLen:
		return fmt.Errorf("%w: username must be 1-%d characters", note.ErrValidation, maxUsernameLen)
	case !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@"):
		return fmt.Errorf("%w: email is not valid", note.ErrValidation)
	case len(password) < minPasswordLen:
		return fmt.Errorf("%w: password must be at least %d characters", note.ErrValidation, minPasswordLen)
	case len(password) > maxPasswordLen:
		return fmt.Errorf("%w: password must be at most %d bytes", note.ErrValidation, maxPasswordLen)
	}
	return nil
}

// Register creates the account and signs the new user in.
func (s *Service) Register(ctx context.Context, username, email, password string) (Token, user.User, error) {
	email = normalizeEmail(email)
	if err := validateRegistration(username, email, password); err != nil {
		return Token{}, user.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return Token{}, user.User{}, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.users.Create(ctx, strings.TrimSpace(username), email, hash)
	if err != nil {
		return Token{}, user.User{}, err
	}
	s.log.Info(ctx, "user registered", "user_id", u.ID)
	tok, err := s.issue(ctx, u)
	if err != nil {
		return Token{}, user.User{}, err
	}
	return tok, u, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Token, user.User, error) {
	u, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return Token{}, user.User{}, ErrInvalidCredentials
		}
		return Token{}, user.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return Token{}, user.User{}, ErrInvalidCredentials
	}
	tok, err := s.issue(ctx, u)
	if err != nil {
		return Token{}, user.User{}, err
	}
	return tok, u, nil
}

func (s *Service) issue(ctx context.Context, u user.User) (Token, error) {
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Username:  u.Username,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.sessions.Create(ctx, sess, s.ttl); err != nil {
		return Token{}, fmt.Errorf("create session: %w", err)
	}
	value, expires, err := s.tokens.Sign(u.ID, u.Username, sess.ID)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: value, ExpiresAt: expires}, nil
}

// Authenticate resolves a token to its identity. The token must verify and
// its session must still exist.
func (s *Service) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, note.ErrAuthRequired
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Identity{}, err
	}
	sess, err := s.sessions.Get(ctx, claims.ID)
	if err != nil {
		return Identity{}, err
	}
	if sess.UserID != claims.UserID {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: sess.UserID, Username: sess.Username}, nil
}

// Logout destroys the token's session. Unknown or malformed tokens are a
// no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil
	}
	if err := s.sessions.Delete(ctx, claims.ID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.log.Info(ctx, "user logged out", "user_id", claims.UserID)
	return nil
}
