package diskcache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blemgr/internal/database"
	"github.com/srg/blemgr/internal/state"
)

const mac = "AA:BB:CC:DD:EE:FF"

type CacheTestSuite struct {
	suite.Suite

	ctx   context.Context
	db    *database.DB
	store Store
}

func (suite *CacheTestSuite) SetupTest() {
	suite.ctx = context.Background()
	db, err := database.Open(suite.ctx, database.Config{
		Path:        filepath.Join(suite.T().TempDir(), "cache.db"),
		BusyTimeout: 1,
	})
	suite.Require().NoError(err)
	suite.db = db
	suite.store = NewSQLStore(db)
}

func (suite *CacheTestSuite) TearDownTest() {
	suite.NoError(suite.db.Close())
}

func (suite *CacheTestSuite) TestDisconnectRoundTrip() {
	suite.Run("durable save is visible to a fresh instance", func() {
		// GOAL: Verify save(hitDisk=true) followed by load(hitDisk=true) returns the intent
		//
		// TEST SCENARIO: Save INTENTIONAL durably → new cache over same DB → load reads it from disk
		suite.NoError(NewDisconnectCache(suite.store, nil).Save(suite.ctx, mac, state.IntentIntentional, true))

		fresh := NewDisconnectCache(suite.store, nil)
		suite.Equal(state.IntentIntentional, fresh.Load(suite.ctx, mac, true),
			"durable value MUST survive a new instance")
	})

	suite.Run("memory-only save stays in process", func() {
		// GOAL: Verify hitDisk=false updates only the in-memory mirror
		//
		// TEST SCENARIO: Save with hitDisk=false → same instance sees it → fresh instance misses
		other := "11:22:33:44:55:66"
		c := NewDisconnectCache(suite.store, nil)
		suite.NoError(c.Save(suite.ctx, other, state.IntentUnintentional, false))

		suite.Equal(state.IntentUnintentional, c.Load(suite.ctx, other, false),
			"memory-only value MUST be visible in-process")
		suite.Equal(state.IntentNull, NewDisconnectCache(suite.store, nil).Load(suite.ctx, other, true),
			"memory-only value MUST NOT reach the disk")
	})

	suite.Run("mirror is consulted before disk", func() {
		c := NewDisconnectCache(suite.store, nil)
		suite.NoError(c.Save(suite.ctx, mac, state.IntentIntentional, true))
		suite.NoError(c.Save(suite.ctx, mac, state.IntentUnintentional, false))
		suite.Equal(state.IntentUnintentional, c.Load(suite.ctx, mac, true),
			"read-your-writes MUST hold even when the disk write was skipped")
	})
}

func (suite *CacheTestSuite) TestBondingCache() {
	c := NewBondingCache(suite.store, nil)
	suite.False(c.NeedsBonding(suite.ctx, mac))

	suite.NoError(c.Save(suite.ctx, mac, true, true))
	suite.True(NewBondingCache(suite.store, nil).NeedsBonding(suite.ctx, mac))

	_, ok := NewBondingCache(nil, nil).Load(suite.ctx, mac, true)
	suite.False(ok, "memory-only cache MUST miss values it never saw")
}

func (suite *CacheTestSuite) TestCorruptValue() {
	suite.NoError(suite.store.Put(suite.ctx, namespaceLastDisconnect, mac, "SOMETIMES"))
	suite.Equal(state.IntentNull, NewDisconnectCache(suite.store, nil).Load(suite.ctx, mac, true),
		"unreadable stored value MUST read as absent")
}

func TestCacheTestSuite(t *testing.T) {
	suite.Run(t, new(CacheTestSuite))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := NewBondingCache(s, nil)
	if err := c.Save(ctx, mac, true, true); err != nil {
		t.Fatal(err)
	}
	v, ok, _ := s.Get(ctx, namespaceNeedsBonding, mac)
	if !ok || v != "true" {
		t.Fatalf("memory store MUST receive durable writes, got %q %v", v, ok)
	}
}
