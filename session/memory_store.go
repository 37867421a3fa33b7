package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// memoryStoreConfig holds the sizing knobs for the in-process ticket
// cache: a byte-budgeted ristretto cache plus a small jitter applied
// to the TTL to avoid every ticket in a burst expiring in the same
// instant.
type memoryStoreConfig struct {
	maxCostBytes  int64
	ttl           time.Duration
	jitterPercent int
}

func defaultMemoryStoreConfig() memoryStoreConfig {
	return memoryStoreConfig{
		maxCostBytes:  16 << 20, // 16MiB of ticket material
		ttl:           10 * time.Hour,
		jitterPercent: 10,
	}
}

// MemoryStore caches tickets in-process using ristretto, suitable for a
// single-process client or a short-lived CLI invocation that wants
// resumption across repeated connections without an external cache.
type MemoryStore struct {
	cfg   memoryStoreConfig
	cache *ristretto.Cache

	jitterMu sync.Mutex
	jitterR  *rand.Rand
}

// NewMemoryStore builds a ristretto-backed ticket store sized for a few
// thousand entries.
func NewMemoryStore() (*MemoryStore, error) {
	cfg := defaultMemoryStoreConfig()
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     cfg.maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("session: create ristretto cache: %w", err)
	}
	return &MemoryStore{
		cfg:     cfg,
		cache:   cache,
		jitterR: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (m *MemoryStore) jitteredTTL() time.Duration {
	m.jitterMu.Lock()
	defer m.jitterMu.Unlock()
	spread := int64(m.cfg.ttl) * int64(m.cfg.jitterPercent) / 100
	if spread <= 0 {
		return m.cfg.ttl
	}
	offset := m.jitterR.Int63n(2*spread) - spread
	return m.cfg.ttl + time.Duration(offset)
}

func ticketCost(t *Ticket) int64 {
	return int64(len(t.Identity) + len(t.ResumptionSecret) + len(t.Nonce) + 64)
}

func (m *MemoryStore) Store(_ context.Context, serverName string, ticket *Ticket) error {
	m.cache.SetWithTTL(serverName, ticket, ticketCost(ticket), m.jitteredTTL())
	m.cache.Wait()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, serverName string) (*Ticket, bool, error) {
	v, ok := m.cache.Get(serverName)
	if !ok {
		return nil, false, nil
	}
	ticket, ok := v.(*Ticket)
	if !ok {
		return nil, false, fmt.Errorf("session: cached value for %q has unexpected type %T", serverName, v)
	}
	return ticket, true, nil
}

func (m *MemoryStore) Delete(_ context.Context, serverName string) error {
	m.cache.Del(serverName)
	return nil
}
