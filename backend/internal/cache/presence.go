package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Device is one live relay connection of a user.
type Device struct {
	ConnID string `json:"connId"`
	Label  string `json:"label"`
}

// Presence tracks which devices of a user currently hold a relay
// connection. Touch both registers and refreshes a device.
type Presence interface {
	Touch(ctx context.Context, ownerID uint64, connID, label string, ttl time.Duration) error
	Remove(ctx context.Context, ownerID uint64, connID string) error
	Alive(ctx context.Context, ownerID uint64) ([]Device, error)
}

type RedisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

var _ Presence = (*RedisPresence)(nil)

func NewRedisPresence(rdb redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rdb: rdb, now: time.Now}
}

func (p *RedisPresence) Touch(ctx context.Context, ownerID uint64, connID, label string, ttl time.Duration) error {
	// score is the logical expiry in unix seconds
	expireAt := p.now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, devicesKey(ownerID), redis.Z{Score: float64(expireAt), Member: connID})
	tx.HSet(ctx, deviceNamesKey(ownerID), connID, label)
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisPresence) Remove(ctx context.Context, ownerID uint64, connID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, devicesKey(ownerID), connID)
	tx.HDel(ctx, deviceNamesKey(ownerID), connID)
	_, err := tx.Exec(ctx)
	return err
}

// KEYS[1] = devicesKey, KEYS[2] = deviceNamesKey, ARGV[1] = now (unix seconds)
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *RedisPresence) Alive(ctx context.Context, ownerID uint64) ([]Device, error) {
	now := p.now().Unix()
	keys := []string{devicesKey(ownerID), deviceNamesKey(ownerID)}
	if err := pruneScript.Run(ctx, p.rdb, keys, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	ids, err := p.rdb.ZRangeByScore(ctx, devicesKey(ownerID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, deviceNamesKey(ownerID), ids...).Result()
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(ids))
	for i, v := range names {
		label, _ := v.(string)
		devices = append(devices, Device{ConnID: ids[i], Label: label})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ConnID < devices[j].ConnID })
	return devices, nil
}

// LocalPresence is the single-instance Presence used when Redis is off.
type LocalPresence struct {
	mu      sync.Mutex
	devices map[uint64]map[string]localDevice
	now     func() time.Time
}

type localDevice struct {
	label    string
	expireAt time.Time
}

var _ Presence = (*LocalPresence)(nil)

func NewLocalPresence() *LocalPresence {
	return &LocalPresence{devices: make(map[uint64]map[string]localDevice), now: time.Now}
}

func (p *LocalPresence) Touch(ctx context.Context, ownerID uint64, connID, label string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.devices[ownerID]
	if !ok {
		m = make(map[string]localDevice)
		p.devices[ownerID] = m
	}
	m[connID] = localDevice{label: label, expireAt: p.now().Add(ttl)}
	return nil
}

func (p *LocalPresence) Remove(ctx context.Context, ownerID uint64, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.devices[ownerID]; ok {
		delete(m, connID)
		if len(m) == 0 {
			delete(p.devices, ownerID)
		}
	}
	return nil
}

func (p *LocalPresence) Alive(ctx context.Context, ownerID uint64) ([]Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var devices []Device
	for id, d := range p.devices[ownerID] {
		if !now.Before(d.expireAt) {
			delete(p.devices[ownerID], id)
			continue
		}
		devices = append(devices, Device{ConnID: id, Label: d.label})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ConnID < devices[j].ConnID })
	return devices, nil
}
