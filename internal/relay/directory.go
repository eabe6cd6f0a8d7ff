package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	sync "github.com/sasha-s/go-deadlock"

	"omemo/internal/domain"
)

// Directory is the hub's storage for published key material and queued
// frames.
type Directory interface {
	PutBundle(ctx context.Context, jid domain.JID, device domain.DeviceID, b domain.Bundle) error
	// Bundle reports false when nothing was published for the device.
	Bundle(ctx context.Context, jid domain.JID, device domain.DeviceID) (domain.Bundle, bool, error)
	PutDevices(ctx context.Context, jid domain.JID, devices []domain.DeviceID) error
	Devices(ctx context.Context, jid domain.JID) ([]domain.DeviceID, error)
	// Enqueue stores a raw frame for an offline device.
	Enqueue(ctx context.Context, jid domain.JID, device domain.DeviceID, frame []byte) error
	// Drain returns and removes the queued frames of a device, oldest first.
	Drain(ctx context.Context, jid domain.JID, device domain.DeviceID) ([][]byte, error)
}

// MemoryDirectory keeps everything in process memory.
type MemoryDirectory struct {
	mu      sync.Mutex
	bundles map[domain.Address]domain.Bundle
	devices map[domain.JID][]domain.DeviceID
	queues  map[domain.Address][][]byte
}

// NewMemoryDirectory returns an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		bundles: make(map[domain.Address]domain.Bundle),
		devices: make(map[domain.JID][]domain.DeviceID),
		queues:  make(map[domain.Address][][]byte),
	}
}

func (m *MemoryDirectory) PutBundle(_ context.Context, jid domain.JID, device domain.DeviceID, b domain.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[domain.Address{JID: jid, Device: device}] = b
	return nil
}

func (m *MemoryDirectory) Bundle(_ context.Context, jid domain.JID, device domain.DeviceID) (domain.Bundle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[domain.Address{JID: jid, Device: device}]
	return b, ok, nil
}

func (m *MemoryDirectory) PutDevices(_ context.Context, jid domain.JID, devices []domain.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[jid] = append([]domain.DeviceID(nil), devices...)
	return nil
}

func (m *MemoryDirectory) Devices(_ context.Context, jid domain.JID) ([]domain.DeviceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeviceID(nil), m.devices[jid]...), nil
}

func (m *MemoryDirectory) Enqueue(_ context.Context, jid domain.JID, device domain.DeviceID, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := domain.Address{JID: jid, Device: device}
	m.queues[addr] = append(m.queues[addr], frame)
	return nil
}

func (m *MemoryDirectory) Drain(_ context.Context, jid domain.JID, device domain.DeviceID) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := domain.Address{JID: jid, Device: device}
	out := m.queues[addr]
	delete(m.queues, addr)
	return out, nil
}

// Redis keys.
const (
	redisBundleKey  = "omemo:bundle:%s:%d"
	redisDevicesKey = "omemo:devices:%s"
	redisQueueKey   = "omemo:queue:%s:%d"
)

// RedisDirectory stores the directory in redis so several hub processes
// can share it.
type RedisDirectory struct {
	rdb *redis.Client
}

// NewRedisDirectory wraps an existing client.
func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

// Close closes the underlying client.
func (r *RedisDirectory) Close() error { return r.rdb.Close() }

func (r *RedisDirectory) PutBundle(ctx context.Context, jid domain.JID, device domain.DeviceID, b domain.Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, fmt.Sprintf(redisBundleKey, jid, device), data, 0).Err()
}

func (r *RedisDirectory) Bundle(ctx context.Context, jid domain.JID, device domain.DeviceID) (domain.Bundle, bool, error) {
	data, err := r.rdb.Get(ctx, fmt.Sprintf(redisBundleKey, jid, device)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Bundle{}, false, nil
	}
	if err != nil {
		return domain.Bundle{}, false, err
	}
	var b domain.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return domain.Bundle{}, false, err
	}
	return b, true, nil
}

func (r *RedisDirectory) PutDevices(ctx context.Context, jid domain.JID, devices []domain.DeviceID) error {
	data, err := json.Marshal(devices)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, fmt.Sprintf(redisDevicesKey, jid), data, 0).Err()
}

func (r *RedisDirectory) Devices(ctx context.Context, jid domain.JID) ([]domain.DeviceID, error) {
	data, err := r.rdb.Get(ctx, fmt.Sprintf(redisDevicesKey, jid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []domain.DeviceID
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisDirectory) Enqueue(ctx context.Context, jid domain.JID, device domain.DeviceID, frame []byte) error {
	return r.rdb.RPush(ctx, fmt.Sprintf(redisQueueKey, jid, device), frame).Err()
}

func (r *RedisDirectory) Drain(ctx context.Context, jid domain.JID, device domain.DeviceID) ([][]byte, error) {
	key := fmt.Sprintf(redisQueueKey, jid, device)
	var rng *redis.StringSliceCmd
	if _, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rng = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	}); err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(rng.Val()))
	for _, s := range rng.Val() {
		out = append(out, []byte(s))
	}
	return out, nil
}

// knownDevices merges the published list with the connected devices.
func knownDevices(published []domain.DeviceID, online []domain.DeviceID) []domain.DeviceID {
	seen := make(map[domain.DeviceID]struct{}, len(published)+len(online))
	var out []domain.DeviceID
	for _, list := range [][]domain.DeviceID{published, online} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	_ Directory = (*MemoryDirectory)(nil)
	_ Directory = (*RedisDirectory)(nil)
)
