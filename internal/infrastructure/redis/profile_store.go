// Package redis holds the go-redis backed profile cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cesfam/portal/internal/domain/patient"
	"github.com/cesfam/portal/internal/identity"
	"github.com/cesfam/portal/pkg/rut"
)

const profileKeyPrefix = "profile:"

// DefaultProfileTTL keeps cached profiles for a day
const DefaultProfileTTL = 24 * time.Hour

// ClientConfig holds connection settings
type ClientConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultClientConfig returns defaults for url
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:          url,
		PoolSize:     20,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// NewClient parses the URL, applies overrides and pings the server
func NewClient(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// ProfileStore caches patient profiles as JSON under profile:{RUT}
type ProfileStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewProfileStore creates a profile store. A ttl of zero keeps keys forever.
func NewProfileStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ProfileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileStore{client: client, ttl: ttl, logger: logger}
}

// Key returns the cache key for a RUT
func Key(r string) string {
	return profileKeyPrefix + r
}

// Get returns the cached profile or identity.ErrNotFound
func (s *ProfileStore) Get(ctx context.Context, r string) (patient.Profile, error) {
	raw, err := s.client.Get(ctx, Key(r)).Bytes()
	if errors.Is(err, redis.Nil) {
		return patient.Profile{}, identity.ErrNotFound
	}
	if err != nil {
		return patient.Profile{}, fmt.Errorf("get profile: %w", err)
	}

	var p patient.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("dropping unreadable cached profile",
			zap.String("rut", rut.Mask(r)), zap.Error(err))
		_ = s.client.Del(ctx, Key(r)).Err()
		return patient.Profile{}, identity.ErrNotFound
	}
	return p, nil
}

// Put stores the profile with the configured TTL
func (s *ProfileStore) Put(ctx context.Context, p patient.Profile) error {
	if p.RUT == "" {
		return fmt.Errorf("put profile: empty rut")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := s.client.Set(ctx, Key(p.RUT), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set profile: %w", err)
	}
	return nil
}

// Delete evicts a cached profile
func (s *ProfileStore) Delete(ctx context.Context, r string) error {
	return s.client.Del(ctx, Key(r)).Err()
}

// Health pings the server
func (s *ProfileStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
