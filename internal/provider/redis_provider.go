package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mapcore/internal/tile_url"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// RedisProvider reads tiles stored under "tile:{z}:{x}:{y}" keys.
type RedisProvider struct {
	addr    tileAddress
	client  *redis.Client
	timeout time.Duration
}

func NewRedisProvider(t tile_url.Template, opts RedisOptions) (*RedisProvider, error) {
	addr, err := newTileAddress(t)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisProvider{addr: addr, client: client, timeout: timeout}, nil
}

func redisKey(z, x, y int) string {
	return fmt.Sprintf("tile:%d:%d:%d", z, x, y)
}

func (p *RedisProvider) Tile(url string) ([]byte, bool, error) {
	z, x, y, ok := p.addr.resolve(url)
	if !ok {
		return nil, false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	data, err := p.client.Get(ctx, redisKey(z, x, y)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get error: %w", err)
	}

	return data, len(data) > 0, nil
}

// Store writes a tile, used to populate the provider from other sources.
func (p *RedisProvider) Store(z, x, y int, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.Set(ctx, redisKey(z, x, y), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}
