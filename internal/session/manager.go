package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"cashflow/internal/cache"
)

var (
	ErrInvalidCredentials = errors.New("phone and password are required")
	ErrUnauthorized       = errors.New("not signed in")
	ErrMissingSecret      = errors.New("session secret is required")
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultMaxSessions = 10000
)

type Config struct {
	Secret      []byte
	TTL         time.Duration
	MaxSessions int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager issues and checks session tokens. Tokens are HS256 JWTs; a token
// is only honored while its ID is in the active registry, so Logout revokes
// it even before it expires. The registry is in memory: a restart signs
// everybody out.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	active *cache.LRUCache[Session]
}

type claims struct {
	Locale string `json:"locale"`
	jwt.RegisteredClaims
}

func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		now:    cfg.Now,
		active: cache.NewLRUCache[Session](cfg.MaxSessions, cfg.TTL).WithClock(cfg.Now),
	}, nil
}

// Registry exposes the active-session cache so a janitor can sweep it.
func (m *Manager) Registry() cache.Cleaner {
	return m.active
}

// Login starts a session for phone. Credentials are not verified: any
// non-empty phone and password pair is accepted. locale should already be
// negotiated; unsupported values fall back to DefaultLocale.
func (m *Manager) Login(phone, password, locale string) (Session, string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.TrimSpace(password) == "" {
		return Session{}, "", ErrInvalidCredentials
	}
	if !Supported(locale) {
		locale = DefaultLocale
	}

	now := m.now()
	s := Session{
		ID:        uuid.NewString(),
		Phone:     phone,
		Locale:    locale,
		ExpiresAt: now.Add(m.ttl).Truncate(time.Second),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Locale: s.Locale,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   s.Phone,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return Session{}, "", fmt.Errorf("sign session token: %w", err)
	}

	m.active.SetWithTTL(s.ID, s, s.ExpiresAt.Sub(now))
	return s, signed, nil
}

// Resolve returns the session of a token that is well signed, not expired
// and not logged out. Any other token yields ErrUnauthorized.
func (m *Manager) Resolve(token string) (Session, error) {
	c, err := m.parse(token)
	if err != nil {
		return Session{}, err
	}
	s, ok := m.active.Get(c.ID)
	if !ok || s.Phone != c.Subject {
		return Session{}, ErrUnauthorized
	}
	return s, nil
}

// Logout revokes the session of token. Revoking an unknown or already
// revoked session is not an error; a malformed token is.
func (m *Manager) Logout(token string) error {
	c, err := m.parse(token)
	if err != nil {
		return err
	}
	m.active.Delete(c.ID)
	return nil
}

// Active returns the number of registered sessions.
func (m *Manager) Active() int {
	return m.active.Size()
}

func (m *Manager) parse(token string) (*claims, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	// Expiry is checked against the manager clock.
	if !c.VerifyExpiresAt(m.now(), true) || c.ID == "" || c.Subject == "" {
		return nil, ErrUnauthorized
	}
	return c, nil
}
