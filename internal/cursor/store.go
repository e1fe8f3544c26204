package cursor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/telhawk-systems/flowsink/internal/models"
)

var (
	// ErrStaleOffset is returned when a commit does not move a partition forward.
	ErrStaleOffset = errors.New("offset is not beyond the committed cursor")

	// ErrUnknownBackend is returned by NewStore for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown cursor backend")
)

// Store persists the last committed offset of each partition.
// Save must reject cursors that do not increase the stored offset.
type Store interface {
	Load(ctx context.Context, topic string, partition int32) (models.CommitCursor, bool, error)
	Save(ctx context.Context, c models.CommitCursor) error
	List(ctx context.Context, topic string) ([]models.CommitCursor, error)
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	Backend  string
	Redis    RedisConfig
	Postgres PostgresConfig
}

// NewStore opens the configured backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	case "postgres":
		if cfg.Postgres.Migrate {
			if err := Migrate(cfg.Postgres.DSN); err != nil {
				return nil, err
			}
		}
		return NewPostgresStore(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

type memoryKey struct {
	topic     string
	partition int32
}

// MemoryStore keeps cursors in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[memoryKey]models.CommitCursor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[memoryKey]models.CommitCursor)}
}

func (s *MemoryStore) Load(_ context.Context, topic string, partition int32) (models.CommitCursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[memoryKey{topic, partition}]
	return c, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, c models.CommitCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{c.Topic, c.Partition}
	if cur, ok := s.cursors[key]; ok && c.Offset <= cur.Offset {
		return fmt.Errorf("%w: partition %d at %d, got %d", ErrStaleOffset, c.Partition, cur.Offset, c.Offset)
	}
	s.cursors[key] = c
	return nil
}

func (s *MemoryStore) List(_ context.Context, topic string) ([]models.CommitCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CommitCursor
	for k, c := range s.cursors {
		if k.topic == topic {
			out = append(out, c)
		}
	}
	sortCursors(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortCursors(cs []models.CommitCursor) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Partition < cs[j].Partition })
}
