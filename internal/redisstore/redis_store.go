// Package redisstore keeps role grant records in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roletracker/internal/store"

	"github.com/redis/go-redis/v9"
)

// ErrContended is returned when an update keeps losing its optimistic
// transaction to concurrent writers.
var ErrContended = errors.New("role grant update contended")

const maxUpdateAttempts = 16

// grantData is the JSON document stored for each role
type grantData struct {
	Addable   bool             `json:"addable"`
	Users     map[string]int64 `json:"users"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RedisStore implements role grant storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed grant store
func NewRedisStore(redisURL, namespace string) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client, namespace), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "roletracker:" + namespace + ":role:",
	}
}

func (s *RedisStore) key(roleID string) string {
	return s.prefix + roleID
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, client getter, roleID string) (store.RoleGrant, error) {
	raw, err := client.Get(ctx, s.key(roleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.DefaultRoleGrant(roleID), nil
	}
	if err != nil {
		return store.RoleGrant{}, fmt.Errorf("read role grant: %w", err)
	}

	var data grantData
	if err := json.Unmarshal(raw, &data); err != nil {
		return store.RoleGrant{}, fmt.Errorf("unmarshal role grant: %w", err)
	}
	grant := store.DefaultRoleGrant(roleID)
	grant.Addable = data.Addable
	for member, caseNumber := range data.Users {
		grant.Users[member] = caseNumber
	}
	return grant, nil
}

func encode(grant store.RoleGrant) ([]byte, error) {
	users := grant.Users
	if users == nil {
		users = map[string]int64{}
	}
	payload, err := json.Marshal(grantData{Addable: grant.Addable, Users: users, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshal role grant: %w", err)
	}
	return payload, nil
}

// GetRoleGrant returns the stored record or the default one
func (s *RedisStore) GetRoleGrant(ctx context.Context, roleID string) (store.RoleGrant, error) {
	return s.read(ctx, s.client, roleID)
}

func (s *RedisStore) SetAddable(ctx context.Context, roleID string, addable bool) error {
	_, err := s.UpdateRoleGrant(ctx, roleID, func(g *store.RoleGrant) error {
		g.Addable = addable
		return nil
	})
	return err
}

func (s *RedisStore) SetUsers(ctx context.Context, roleID string, users map[string]int64) error {
	_, err := s.UpdateRoleGrant(ctx, roleID, func(g *store.RoleGrant) error {
		g.Users = users
		return nil
	})
	return err
}

// UpdateRoleGrant runs fn inside a WATCH/MULTI transaction and retries when
// another writer touched the key in between.
func (s *RedisStore) UpdateRoleGrant(ctx context.Context, roleID string, fn func(*store.RoleGrant) error) (store.RoleGrant, error) {
	key := s.key(roleID)
	var updated store.RoleGrant

	txf := func(tx *redis.Tx) error {
		grant, err := s.read(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if err := fn(&grant); err != nil {
			return err
		}
		payload, err := encode(grant)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			updated = grant.Clone()
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return store.RoleGrant{}, err
	}
	return store.RoleGrant{}, fmt.Errorf("update role %s: %w", roleID, ErrContended)
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
