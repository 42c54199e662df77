// Package cache provides a Redis-backed cache with graceful degradation:
// when Redis is unreachable, operations return an error and callers fall
// back to the database rather than blocking the tick loop. It holds the
// latest regime and parameter snapshots, which cmd/engine writes through
// on each change.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-signal-core/internal/config"
)

const (
	ParameterSnapshotKey = "engine:parameter_snapshot"
	RegimeSnapshotKey    = "engine:regime_snapshot"

	DefaultSnapshotTTL = time.Hour
)

// Service provides Redis-based caching with graceful degradation. When
// Redis is unavailable, operations return errors that callers should
// handle by falling back to database queries.
type Service struct {
	client *redis.Client
	logger zerolog.Logger

	mu              sync.RWMutex
	healthy         bool
	failureCount    int
	lastCheck       time.Time
	maxFailures     int
	checkInterval   time.Duration
}

// New connects to Redis and returns a Service in degraded mode if the
// initial ping fails, rather than erroring out construction.
func New(cfg config.RedisConfig, logger zerolog.Logger) *Service {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:        client,
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("initial redis connection failed, starting degraded")
		return s
	}
	s.healthy = true
	s.lastCheck = time.Now()
	return s
}

func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.logger.Warn().Int("failures", s.failureCount).Msg("redis marked unhealthy")
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.logger.Info().Msg("redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

func (s *Service) checkHealth(ctx context.Context) {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()
	if !shouldCheck {
		return
	}
	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Ping(pingCtx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	s.checkHealth(ctx)
	if !s.IsHealthy() {
		return fmt.Errorf("cache: redis unavailable")
	}
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return err
		}
		s.recordFailure()
		return fmt.Errorf("cache: get %s: %w", key, err)
	}
	s.recordSuccess()
	return json.Unmarshal([]byte(data), dest)
}

func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.checkHealth(ctx)
	if !s.IsHealthy() {
		return fmt.Errorf("cache: redis unavailable")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	s.recordSuccess()
	return nil
}

func (s *Service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
