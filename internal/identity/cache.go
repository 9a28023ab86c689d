// Package identity resolves verified token subjects to local users,
// creating them on first sight and applying the admin allow-list.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"theoryboard/api/internal/store"
)

// cachedUser is the snapshot stored per subject.
type cachedUser struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache holds resolved users in Redis keyed by subject. Entries expire
// after the TTL and are invalidated explicitly whenever a role or
// username changes, so a snapshot can never outlive a grant.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewCacheWithClient(client, ttl), nil
}

func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, prefix: "identity:", ttl: ttl}
}

func (c *Cache) key(subjectID string) string {
	return c.prefix + subjectID
}

func (c *Cache) Get(ctx context.Context, subjectID string) (store.User, bool) {
	if c == nil {
		return store.User{}, false
	}
	raw, err := c.client.Get(ctx, c.key(subjectID)).Result()
	if err == redis.Nil {
		return store.User{}, false
	}
	if err != nil {
		log.Printf("identity: cache get: %v", err)
		return store.User{}, false
	}

	var cached cachedUser
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		log.Printf("identity: cache decode: %v", err)
		return store.User{}, false
	}
	return store.User{
		ID:        cached.ID,
		SubjectID: cached.SubjectID,
		Email:     cached.Email,
		Name:      cached.Name,
		Username:  cached.Username,
		Roles:     cached.Roles,
		CreatedAt: cached.CreatedAt,
	}, true
}

func (c *Cache) Put(ctx context.Context, user store.User) {
	if c == nil || user.SubjectID == "" {
		return
	}
	raw, err := json.Marshal(cachedUser{
		ID:        user.ID,
		SubjectID: user.SubjectID,
		Email:     user.Email,
		Name:      user.Name,
		Username:  user.Username,
		Roles:     user.Roles,
		CreatedAt: user.CreatedAt,
	})
	if err != nil {
		log.Printf("identity: cache encode: %v", err)
		return
	}
	if err := c.client.Set(ctx, c.key(user.SubjectID), raw, c.ttl).Err(); err != nil {
		log.Printf("identity: cache put: %v", err)
	}
}

func (c *Cache) Invalidate(ctx context.Context, subjectID string) {
	if c == nil || subjectID == "" {
		return
	}
	if err := c.client.Del(ctx, c.key(subjectID)).Err(); err != nil {
		log.Printf("identity: cache invalidate: %v", err)
	}
}

func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
