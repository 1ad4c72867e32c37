package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoomRepository keeps each room as a JSON document that expires after ttl,
// so rooms abandoned by a crashed relay do not stay full forever.
type RedisRoomRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRoomRepository(client *redis.Client, ttl time.Duration) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: "carelink:room:",
		ttl:    ttl,
	}
}

func (r *RedisRoomRepository) roomKey(id domain.RoomID) string {
	return r.prefix + string(id)
}

func (r *RedisRoomRepository) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.roomKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

func (r *RedisRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	if err := r.client.Set(ctx, r.roomKey(room.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	n, err := r.client.Del(ctx, r.roomKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	if n == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (r *RedisRoomRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
