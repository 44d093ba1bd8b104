package risk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Sentinel is an externally placed emergency marker. Its presence forces a
// level 4 trigger on the next check.
type Sentinel interface {
	Name() string
	Present(ctx context.Context) bool
}

// FileSentinel is present when a file exists at its path.
type FileSentinel struct {
	path string
}

func NewFileSentinel(path string) *FileSentinel {
	return &FileSentinel{path: path}
}

func (s *FileSentinel) Name() string { return "file:" + s.path }

func (s *FileSentinel) Present(context.Context) bool {
	if s.path == "" {
		return false
	}
	_, err := os.Stat(s.path)
	return err == nil
}

// Raise creates the marker file with a short note for whoever finds it.
func (s *FileSentinel) Raise(note string) error {
	body := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), note)
	if err := os.WriteFile(s.path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to raise emergency sentinel: %w", err)
	}
	return nil
}

func (s *FileSentinel) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear emergency sentinel: %w", err)
	}
	return nil
}

type redisKV interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisSentinel is present while a key exists. It lets one operator action
// halt every host sharing the Redis instance. Lookup errors count as absent
// and are logged; a Redis outage alone never halts trading.
type RedisSentinel struct {
	client  redisKV
	key     string
	timeout time.Duration
	log     zerolog.Logger
}

func NewRedisSentinel(client *redis.Client, key string, log zerolog.Logger) *RedisSentinel {
	return &RedisSentinel{client: client, key: key, timeout: time.Second, log: log}
}

func (s *RedisSentinel) Name() string { return "redis:" + s.key }

func (s *RedisSentinel) Present(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Exists(ctx, s.key).Result()
	if err != nil {
		s.log.Error().Err(err).Str("key", s.key).Msg("emergency sentinel lookup failed, treating as absent")
		return false
	}
	return n > 0
}

// Raise sets the key. A zero ttl keeps it until cleared.
func (s *RedisSentinel) Raise(ctx context.Context, note string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key, note, ttl).Err(); err != nil {
		return fmt.Errorf("failed to raise redis sentinel %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisSentinel) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear redis sentinel %s: %w", s.key, err)
	}
	return nil
}

// firstPresent returns the name of the first sentinel that is present.
func firstPresent(ctx context.Context, sentinels []Sentinel) (string, bool) {
	for _, s := range sentinels {
		if s != nil && s.Present(ctx) {
			return s.Name(), true
		}
	}
	return "", false
}
