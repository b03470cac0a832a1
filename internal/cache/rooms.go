// Package cache fronts room listings with a Redis cache-aside layer.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"chat-gateway/internal/models"
	"chat-gateway/internal/repositories"
)

// Stats tracks cache statistics.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// RoomRepository caches ListRoomsForUser per user and invalidates the entry
// whenever that user's memberships change. Other calls pass through.
type RoomRepository struct {
	repositories.RoomRepository

	client *redis.Client
	prefix string
	ttl    time.Duration
	group  singleflight.Group
	stats  Stats
}

// NewRoomRepository wraps inner. A nil client disables caching.
func NewRoomRepository(inner repositories.RoomRepository, client *redis.Client, prefix string, ttl time.Duration) *RoomRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RoomRepository{
		RoomRepository: inner,
		client:         client,
		prefix:         prefix,
		ttl:            ttl,
	}
}

func (r *RoomRepository) key(userID string) string {
	return r.prefix + "rooms:user:" + userID
}

// ListRoomsForUser serves from Redis, loading through the inner repository
// on a miss. Concurrent misses for the same user share one load.
func (r *RoomRepository) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	if r.client == nil {
		return r.RoomRepository.ListRoomsForUser(ctx, userID)
	}

	key := r.key(userID)
	data, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rooms []models.Room
		if jsonErr := json.Unmarshal(data, &rooms); jsonErr == nil {
			atomic.AddUint64(&r.stats.Hits, 1)
			return rooms, nil
		}
		atomic.AddUint64(&r.stats.Errors, 1)
	case errors.Is(err, redis.Nil):
		atomic.AddUint64(&r.stats.Misses, 1)
	default:
		atomic.AddUint64(&r.stats.Errors, 1)
		log.Printf("room cache get failed key=%s: %v", key, err)
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		rooms, err := r.RoomRepository.ListRoomsForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := r.set(ctx, key, rooms); err != nil {
			log.Printf("room cache set failed key=%s: %v", key, err)
		}
		return rooms, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Room), nil
}

// CreateRoom creates through the inner repository and drops the owner's cached list.
func (r *RoomRepository) CreateRoom(ctx context.Context, ownerID, name string, description *string, isPrivate bool) (models.Room, error) {
	room, err := r.RoomRepository.CreateRoom(ctx, ownerID, name, description, isPrivate)
	if err != nil {
		return room, err
	}
	r.Invalidate(ctx, ownerID)
	return room, nil
}

// AddMember joins through the inner repository and drops the joiner's cached list.
func (r *RoomRepository) AddMember(ctx context.Context, roomID, userID string, role models.Role) (models.RoomMember, error) {
	member, err := r.RoomRepository.AddMember(ctx, roomID, userID, role)
	if err != nil {
		return member, err
	}
	r.Invalidate(ctx, userID)
	return member, nil
}

// Invalidate removes userID's cached room list.
func (r *RoomRepository) Invalidate(ctx context.Context, userID string) {
	if r.client == nil {
		return
	}
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		atomic.AddUint64(&r.stats.Errors, 1)
		log.Printf("room cache delete failed user_id=%s: %v", userID, err)
	}
}

// GetStats returns a snapshot of the counters.
func (r *RoomRepository) GetStats() Stats {
	return Stats{
		Hits:   atomic.LoadUint64(&r.stats.Hits),
		Misses: atomic.LoadUint64(&r.stats.Misses),
		Errors: atomic.LoadUint64(&r.stats.Errors),
	}
}

func (r *RoomRepository) set(ctx context.Context, key string, rooms []models.Room) error {
	data, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		atomic.AddUint64(&r.stats.Errors, 1)
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

var _ repositories.RoomRepository = (*RoomRepository)(nil)
