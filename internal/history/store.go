package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/circuitbreaker"
	"github.com/imaistudio/orchestrator/internal/metrics"
)

// Store is the conversation history client. Turns live in a Redis list per
// conversation, append-only; a small local cache avoids re-reading the full
// list for back-to-back requests on the same conversation.
type Store struct {
	client     *circuitbreaker.RedisWrapper
	logger     *zap.Logger
	ttl        time.Duration
	maxHistory int

	mu       sync.RWMutex
	cache    map[string]cachedTurns
	cacheTTL time.Duration
}

type cachedTurns struct {
	turns    []Turn
	loadedAt time.Time
}

// Options configures a Store.
type Options struct {
	TurnTTL    time.Duration
	MaxHistory int
	CacheTTL   time.Duration
}

// NewStore connects to Redis and returns a history store.
func NewStore(redisAddr string, opts Options, logger *zap.Logger) (*Store, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	client := circuitbreaker.NewRedisWrapper(redisClient, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if opts.TurnTTL == 0 {
		opts.TurnTTL = 7 * 24 * time.Hour
	}
	if opts.MaxHistory == 0 {
		opts.MaxHistory = 200
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 15 * time.Second
	}

	return &Store{
		client:     client,
		logger:     logger,
		ttl:        opts.TurnTTL,
		maxHistory: opts.MaxHistory,
		cache:      make(map[string]cachedTurns),
		cacheTTL:   opts.CacheTTL,
	}, nil
}

// Append adds a turn to the end of a conversation. Missing ID and timestamp
// are filled in; the stored turn is returned.
func (s *Store) Append(ctx context.Context, conversationID string, turn Turn) (Turn, error) {
	if conversationID == "" {
		return Turn{}, fmt.Errorf("conversation id is empty")
	}
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return Turn{}, fmt.Errorf("marshal turn: %w", err)
	}

	key := s.conversationKey(conversationID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	// Bound list growth and refresh TTL; best effort.
	_ = s.client.LTrim(ctx, key, int64(-s.maxHistory), -1).Err()
	_ = s.client.Expire(ctx, key, s.ttl).Err()

	s.mu.Lock()
	delete(s.cache, conversationID)
	s.mu.Unlock()

	s.logger.Debug("Appended conversation turn",
		zap.String("conversation_id", conversationID),
		zap.String("turn_id", turn.ID),
		zap.String("role", string(turn.Role)),
	)
	return turn, nil
}

// Read returns every turn of a conversation in order. An unknown
// conversation returns ErrConversationNotFound.
func (s *Store) Read(ctx context.Context, conversationID string) ([]Turn, error) {
	s.mu.RLock()
	if c, ok := s.cache[conversationID]; ok && time.Since(c.loadedAt) < s.cacheTTL {
		s.mu.RUnlock()
		metrics.HistoryCacheHits.Inc()
		return c.turns, nil
	}
	s.mu.RUnlock()
	metrics.HistoryCacheMisses.Inc()

	key := s.conversationKey(conversationID)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		metrics.HistoryReads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	if len(raw) == 0 {
		metrics.HistoryReads.WithLabelValues("not_found").Inc()
		return nil, ErrConversationNotFound
	}

	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			// A single corrupt entry should not hide the rest of the history.
			s.logger.Warn("Skipping undecodable turn",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			continue
		}
		turns = append(turns, t)
	}
	if len(turns) == 0 {
		metrics.HistoryReads.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidTurn
	}

	s.mu.Lock()
	s.cache[conversationID] = cachedTurns{turns: turns, loadedAt: time.Now()}
	s.mu.Unlock()

	metrics.HistoryReads.WithLabelValues("ok").Inc()
	return turns, nil
}

// Delete removes a conversation entirely.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.conversationKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, conversationID)
	s.mu.Unlock()
	return nil
}

// Healthy reports whether the Redis circuit breaker is closed.
func (s *Store) Healthy() bool { return !s.client.IsOpen() }

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) conversationKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:turns", conversationID)
}
