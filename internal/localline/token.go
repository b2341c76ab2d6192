package localline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// TokenSource hands out bearer tokens for catalog requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// LoginFunc obtains a fresh access token.
type LoginFunc func(ctx context.Context) (string, error)

// TokenCache shares tokens between processes.
type TokenCache interface {
	Load(ctx context.Context) (token string, expiresAt time.Time, err error)
	Store(ctx context.Context, token string, expiresAt time.Time) error
	Clear(ctx context.Context) error
}

// ErrTokenCacheMiss is returned by TokenCache.Load when nothing is cached.
var ErrTokenCacheMiss = errors.New("localline: token cache miss")

// TokenConfig configures a TokenManager.
type TokenConfig struct {
	Login LoginFunc
	// Skew refreshes tokens this long before they expire.
	Skew time.Duration
	// FallbackTTL is used for tokens without an exp claim.
	FallbackTTL time.Duration
	Cache       TokenCache
	Logger      zerolog.Logger
	Now         func() time.Time
}

// TokenManager caches the access token until shortly before it expires and
// collapses concurrent refreshes into a single login.
type TokenManager struct {
	login       LoginFunc
	skew        time.Duration
	fallbackTTL time.Duration
	cache       TokenCache
	logger      zerolog.Logger
	now         func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
}

// NewTokenManager validates cfg and builds a TokenManager.
func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if cfg.Login == nil {
		return nil, errors.New("localline: token login func is required")
	}
	if cfg.Skew < 0 {
		cfg.Skew = 0
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenManager{
		login:       cfg.Login,
		skew:        cfg.Skew,
		fallbackTTL: cfg.FallbackTTL,
		cache:       cfg.Cache,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}, nil
}

// Token returns a cached token, refreshing it when it is within Skew of expiry.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	token, exp := m.token, m.expiresAt
	m.mu.Unlock()
	if m.fresh(token, exp) {
		return token, nil
	}
	return m.refresh(ctx, false)
}

// ForceRefresh drops the cached token and logs in again.
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.token, m.expiresAt = "", time.Time{}
	m.mu.Unlock()
	if m.cache != nil {
		if err := m.cache.Clear(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("clear shared token")
		}
	}
	return m.refresh(ctx, true)
}

func (m *TokenManager) fresh(token string, exp time.Time) bool {
	return token != "" && m.now().Before(exp.Add(-m.skew))
}

func (m *TokenManager) refresh(ctx context.Context, forced bool) (string, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		// shared by every waiter, so it must outlive any single caller
		rctx := context.WithoutCancel(ctx)

		if m.cache != nil && !forced {
			token, exp, err := m.cache.Load(rctx)
			switch {
			case err == nil && m.fresh(token, exp):
				m.set(token, exp)
				return token, nil
			case err != nil && !errors.Is(err, ErrTokenCacheMiss):
				m.logger.Warn().Err(err).Msg("load shared token")
			}
		}

		token, err := m.login(rctx)
		if err != nil {
			return "", fmt.Errorf("localline: login: %w", err)
		}
		if token == "" {
			return "", errors.New("localline: login returned an empty token")
		}
		exp := m.expiry(token)
		m.set(token, exp)
		if m.cache != nil {
			if err := m.cache.Store(rctx, token, exp); err != nil {
				m.logger.Warn().Err(err).Msg("store shared token")
			}
		}
		m.logger.Info().Time("expires_at", exp).Dur("skew", m.skew).Msg("localline token refreshed")
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *TokenManager) set(token string, exp time.Time) {
	m.mu.Lock()
	m.token, m.expiresAt = token, exp
	m.mu.Unlock()
}

// expiry reads the exp claim without verifying the signature; the catalog API
// is the only party that checks it.
func (m *TokenManager) expiry(token string) time.Time {
	parsed, err := jwt.ParseString(token, jwt.WithVerify(false), jwt.WithValidate(false))
	if err == nil {
		if exp := parsed.Expiration(); !exp.IsZero() {
			return exp
		}
	}
	return m.now().Add(m.fallbackTTL)
}

// RedisTokenCache stores the token in Redis with a TTL matching its expiry.
type RedisTokenCache struct {
	R   redis.UniversalClient
	Key string
	Now func() time.Time
}

func (c RedisTokenCache) key() string {
	if c.Key == "" {
		return "ffcsa:localline:token"
	}
	return c.Key
}

func (c RedisTokenCache) clock() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Load implements TokenCache.
func (c RedisTokenCache) Load(ctx context.Context) (string, time.Time, error) {
	pipe := c.R.Pipeline()
	get := pipe.Get(ctx, c.key())
	ttl := pipe.PTTL(ctx, c.key())
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return "", time.Time{}, ErrTokenCacheMiss
		}
		return "", time.Time{}, err
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		return "", time.Time{}, ErrTokenCacheMiss
	}
	return get.Val(), c.clock().Add(remaining), nil
}

// Store implements TokenCache.
func (c RedisTokenCache) Store(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.clock())
	if ttl <= 0 {
		return nil
	}
	return c.R.Set(ctx, c.key(), token, ttl).Err()
}

// Clear implements TokenCache.
func (c RedisTokenCache) Clear(ctx context.Context) error {
	return c.R.Del(ctx, c.key()).Err()
}
