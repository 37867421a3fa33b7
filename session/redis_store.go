package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix      = "tls13:ticket:"
	redisTicketTTL      = 10 * time.Hour
	redisTicketJitter   = 30 * time.Minute
)

// RedisStore persists tickets in Redis, for clients that run as
// multiple processes or pods sharing resumption state. TTLs are
// jittered to avoid synchronized mass-expiry across a large ticket set.
type RedisStore struct {
	client *redis.Client

	jitterMu sync.Mutex
	jitterR  *rand.Rand
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, jitterR: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func redisKey(serverName string) string {
	return redisKeyPrefix + serverName
}

func (r *RedisStore) jitteredTTL() time.Duration {
	r.jitterMu.Lock()
	defer r.jitterMu.Unlock()
	offset := time.Duration(r.jitterR.Int63n(int64(2*redisTicketJitter))) - redisTicketJitter
	return redisTicketTTL + offset
}

// wireTicket is the JSON shape stored in Redis; Ticket itself is kept
// free of struct tags since it is also used directly in-process.
type wireTicket struct {
	ServerName       string `json:"server_name"`
	Identity         []byte `json:"identity"`
	ResumptionSecret []byte `json:"resumption_secret"`
	CipherSuiteID    uint16 `json:"cipher_suite_id"`
	ReceivedAtUnix   int64  `json:"received_at_unix"`
	LifetimeSeconds  uint32 `json:"lifetime_seconds"`
	AgeAdd           uint32 `json:"age_add"`
	Nonce            []byte `json:"nonce"`
	MaxEarlyData     uint32 `json:"max_early_data"`
	ALPNProtocol     string `json:"alpn_protocol"`
}

func toWire(t *Ticket) wireTicket {
	return wireTicket{
		ServerName:       t.ServerName,
		Identity:         t.Identity,
		ResumptionSecret: t.ResumptionSecret,
		CipherSuiteID:    t.CipherSuiteID,
		ReceivedAtUnix:   t.ReceivedAt.Unix(),
		LifetimeSeconds:  t.LifetimeSeconds,
		AgeAdd:           t.AgeAdd,
		Nonce:            t.Nonce,
		MaxEarlyData:     t.MaxEarlyData,
		ALPNProtocol:     t.ALPNProtocol,
	}
}

func fromWire(w wireTicket) *Ticket {
	return &Ticket{
		ServerName:       w.ServerName,
		Identity:         w.Identity,
		ResumptionSecret: w.ResumptionSecret,
		CipherSuiteID:    w.CipherSuiteID,
		ReceivedAt:       time.Unix(w.ReceivedAtUnix, 0),
		LifetimeSeconds:  w.LifetimeSeconds,
		AgeAdd:           w.AgeAdd,
		Nonce:            w.Nonce,
		MaxEarlyData:     w.MaxEarlyData,
		ALPNProtocol:     w.ALPNProtocol,
	}
}

func (r *RedisStore) Store(ctx context.Context, serverName string, ticket *Ticket) error {
	data, err := json.Marshal(toWire(ticket))
	if err != nil {
		return fmt.Errorf("session: marshal ticket: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(serverName), data, r.jitteredTTL()).Err(); err != nil {
		return fmt.Errorf("session: store ticket in redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, serverName string) (*Ticket, bool, error) {
	data, err := r.client.Get(ctx, redisKey(serverName)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session: load ticket from redis: %w", err)
	}
	var w wireTicket
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, false, fmt.Errorf("session: unmarshal ticket: %w", err)
	}
	return fromWire(w), true, nil
}

func (r *RedisStore) Delete(ctx context.Context, serverName string) error {
	if err := r.client.Del(ctx, redisKey(serverName)).Err(); err != nil {
		return fmt.Errorf("session: delete ticket from redis: %w", err)
	}
	return nil
}
