package chatserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-loadtest/internal/logger"

	"github.com/go-redis/redis/v8"
)

var (
	// ErrExists is returned when a user ID is already connected.
	ErrExists = errors.New("user exists")
	// ErrNotOwner is returned by Refresh when another instance holds the ID.
	ErrNotOwner = errors.New("presence held by another instance")
)

// User is a connected chat participant.
type User struct {
	ID          string    `json:"ID"`
	Name        string    `json:"Name"`
	ConnectedAt time.Time `json:"-"`
	RemoteAddr  string    `json:"-"`
}

// Users tracks connected users.
type Users interface {
	Add(ctx context.Context, usr User) error
	Remove(ctx context.Context, userID string)
	// Refresh extends the presence of a live user.
	Refresh(ctx context.Context, userID string) error
	Count() int
}

// MemoryUsers is a process-local registry.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]User)}
}

func (u *MemoryUsers) Add(ctx context.Context, usr User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.users[usr.ID]; exists {
		return ErrExists
	}
	u.users[usr.ID] = usr
	logger.Debug(logger.TagServer, "adduser name=%s id=%s", usr.Name, usr.ID)
	return nil
}

func (u *MemoryUsers) Remove(ctx context.Context, userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.users[userID]; !exists {
		return
	}
	delete(u.users, userID)
	logger.Debug(logger.TagServer, "removeuser id=%s", userID)
}

func (u *MemoryUsers) Refresh(ctx context.Context, userID string) error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if _, exists := u.users[userID]; !exists {
		return ErrNotOwner
	}
	return nil
}

func (u *MemoryUsers) Count() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.users)
}

// Owner-checked scripts: an instance only extends or deletes a key that
// still holds its own instance ID.
var (
	refreshScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if not v then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0`)

	removeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisUsers shares presence between server instances. A key
// presence:<id> holds the owning instance ID and expires after ttl unless
// Refresh is called.
type RedisUsers struct {
	client   *redis.Client
	instance string
	ttl      time.Duration

	mu    sync.Mutex
	local map[string]struct{}
}

const defaultPresenceTTL = 30 * time.Second

func NewRedisUsers(client *redis.Client, instance string, ttl time.Duration) *RedisUsers {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &RedisUsers{
		client:   client,
		instance: instance,
		ttl:      ttl,
		local:    make(map[string]struct{}),
	}
}

func presenceKey(userID string) string { return "presence:" + userID }

func (u *RedisUsers) Add(ctx context.Context, usr User) error {
	ok, err := u.client.SetNX(ctx, presenceKey(usr.ID), u.instance, u.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	u.mu.Lock()
	u.local[usr.ID] = struct{}{}
	u.mu.Unlock()
	return nil
}

func (u *RedisUsers) Remove(ctx context.Context, userID string) {
	u.mu.Lock()
	_, mine := u.local[userID]
	delete(u.local, userID)
	u.mu.Unlock()
	if !mine {
		return
	}
	n, err := removeScript.Run(ctx, u.client, []string{presenceKey(userID)}, u.instance).Int()
	if err != nil {
		logger.Warn(logger.TagServer, "presence del %s: %v", userID, err)
		return
	}
	if n == 0 {
		logger.Debug(logger.TagServer, "presence %s already taken over, kept", userID)
	}
}

// Refresh resets the TTL of a key this instance owns. An expired key is
// reclaimed; a key held by another instance yields ErrNotOwner.
func (u *RedisUsers) Refresh(ctx context.Context, userID string) error {
	ttl := u.ttl.Milliseconds()
	n, err := refreshScript.Run(ctx, u.client, []string{presenceKey(userID)}, u.instance, ttl).Int()
	if err != nil {
		return fmt.Errorf("presence refresh %s: %w", userID, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Count returns the users held by this instance.
func (u *RedisUsers) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.local)
}
