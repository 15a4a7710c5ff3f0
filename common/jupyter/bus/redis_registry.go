package bus

import (
	"context"
	"sort"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisRegistryKey = "notebook-relay:kernels"
)

// RedisRegistry is a KernelRegistry shared between relay instances through a Redis hash.
//
// Each field of the hash is a kernel id and each value is the JSON-encoded ConnectionInfo.
type RedisRegistry struct {
	client *redis.Client
	key    string
}

func NewRedisRegistry(client *redis.Client, key string) *RedisRegistry {
	if key == "" {
		key = DefaultRedisRegistryKey
	}

	return &RedisRegistry{
		client: client,
		key:    key,
	}
}

func (r *RedisRegistry) Register(ctx context.Context, kernelID string, info *ConnectionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	return errors.Wrapf(r.client.HSet(ctx, r.key, kernelID, data).Err(), "failed to register kernel %s", kernelID)
}

func (r *RedisRegistry) Lookup(ctx context.Context, kernelID string) (*ConnectionInfo, bool, error) {
	data, err := r.client.HGet(ctx, r.key, kernelID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrapf(err, "failed to look up kernel %s", kernelID)
	}

	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, false, errors.Wrapf(ErrInvalidConnectionFile, "kernel %s: %v", kernelID, err)
	}

	return &info, true, nil
}

func (r *RedisRegistry) Remove(ctx context.Context, kernelID string) (bool, error) {
	n, err := r.client.HDel(ctx, r.key, kernelID).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to remove kernel %s", kernelID)
	}
	return n > 0, nil
}

func (r *RedisRegistry) KernelIDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.HKeys(ctx, r.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list kernels")
	}
	sort.Strings(ids)
	return ids, nil
}
