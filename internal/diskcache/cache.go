package diskcache

import (
	"context"
	"strconv"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/state"
)

const (
	namespaceNeedsBonding   = "needs_bonding"
	namespaceLastDisconnect = "last_disconnect"
)

// cache mirrors one namespace of a Store in memory. The mirror is consulted
// before the store and always updated, so writes are visible in-process even
// when the disk write is skipped.
type cache[V any] struct {
	namespace string
	store     Store
	mirror    *hashmap.Map[string, V]
	encode    func(V) string
	decode    func(string) (V, error)
	logger    *logrus.Logger
}

func newCache[V any](namespace string, store Store, logger *logrus.Logger,
	encode func(V) string, decode func(string) (V, error)) *cache[V] {
	if logger == nil {
		logger = logrus.New()
	}
	return &cache[V]{
		namespace: namespace,
		store:     store,
		mirror:    hashmap.New[string, V](),
		encode:    encode,
		decode:    decode,
		logger:    logger,
	}
}

func (c *cache[V]) save(ctx context.Context, mac string, v V, hitDisk bool) error {
	c.mirror.Set(mac, v)
	if !hitDisk || c.store == nil {
		return nil
	}
	return c.store.Put(ctx, c.namespace, mac, c.encode(v))
}

func (c *cache[V]) load(ctx context.Context, mac string, hitDisk bool) (V, bool) {
	if v, ok := c.mirror.Get(mac); ok {
		return v, true
	}
	var zero V
	if !hitDisk || c.store == nil {
		return zero, false
	}
	raw, ok, err := c.store.Get(ctx, c.namespace, mac)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"namespace": c.namespace,
			"address":   mac,
			"error":     err,
		}).Warn("Disk cache read failed")
		return zero, false
	}
	if !ok {
		return zero, false
	}
	v, err := c.decode(raw)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"namespace": c.namespace,
			"address":   mac,
			"value":     raw,
		}).Warn("Disk cache holds an unreadable value")
		return zero, false
	}
	c.mirror.Set(mac, v)
	return v, true
}

// BondingCache remembers which devices need bonding after connecting.
type BondingCache struct {
	c *cache[bool]
}

// NewBondingCache creates a bonding cache over store; a nil store keeps it in memory.
func NewBondingCache(store Store, logger *logrus.Logger) *BondingCache {
	return &BondingCache{c: newCache(namespaceNeedsBonding, store, logger,
		strconv.FormatBool, strconv.ParseBool)}
}

// Save records whether mac needs bonding. With hitDisk false only the
// in-memory mirror is updated.
func (b *BondingCache) Save(ctx context.Context, mac string, needsBonding, hitDisk bool) error {
	return b.c.save(ctx, mac, needsBonding, hitDisk)
}

// Load returns the recorded flag and whether one exists.
func (b *BondingCache) Load(ctx context.Context, mac string, hitDisk bool) (needsBonding, ok bool) {
	return b.c.load(ctx, mac, hitDisk)
}

// NeedsBonding is Load reading through to disk, defaulting to false.
func (b *BondingCache) NeedsBonding(ctx context.Context, mac string) bool {
	v, _ := b.c.load(ctx, mac, true)
	return v
}

// DisconnectCache remembers whether the last disconnect of a device was intentional.
type DisconnectCache struct {
	c *cache[state.Intent]
}

// NewDisconnectCache creates a disconnect-intent cache over store.
func NewDisconnectCache(store Store, logger *logrus.Logger) *DisconnectCache {
	return &DisconnectCache{c: newCache(namespaceLastDisconnect, store, logger,
		state.Intent.String, state.ParseIntent)}
}

// Save records the intent of the last disconnect of mac.
func (d *DisconnectCache) Save(ctx context.Context, mac string, intent state.Intent, hitDisk bool) error {
	return d.c.save(ctx, mac, intent, hitDisk)
}

// Load returns the recorded intent, IntentNull when nothing is recorded.
func (d *DisconnectCache) Load(ctx context.Context, mac string, hitDisk bool) state.Intent {
	v, ok := d.c.load(ctx, mac, hitDisk)
	if !ok {
		return state.IntentNull
	}
	return v
}
