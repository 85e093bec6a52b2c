package acme

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go_certorch/internal/cache"
	"go_certorch/internal/certerr"
)

// orderState is what the adapter remembers about one order between calls.
// The certificate key never leaves this record except through Download.
type orderState struct {
	Domains     []string             `json:"domains"`
	KeyPEM      []byte               `json:"key"`
	ChainPEM    []byte               `json:"chain,omitempty"`
	Presented   map[string]time.Time `json:"presented,omitempty"` // challenge URL -> when the record went up
	Accepted    map[string]bool      `json:"accepted,omitempty"`
	CleanedUp   bool                 `json:"cleanedUp,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	FinalizedAt *time.Time           `json:"finalizedAt,omitempty"`
}

// orderStore keeps order state in the shared cache so any instance can
// continue an order another one started
type orderStore struct {
	kv     cache.KV
	prefix string
	ttl    time.Duration
}

func (s *orderStore) key(orderURL string) string {
	return s.prefix + "order:" + orderURL
}

func (s *orderStore) load(ctx context.Context, orderURL string) (*orderState, error) {
	b, err := s.kv.Get(ctx, s.key(orderURL))
	if errors.Is(err, cache.ErrMiss) {
		return nil, &certerr.NotFoundError{Resource: "acme order", ID: orderURL}
	}
	if err != nil {
		return nil, err
	}
	var st orderState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("corrupt state for order %s: %w", orderURL, err)
	}
	return &st, nil
}

func (s *orderStore) save(ctx context.Context, orderURL string, st *orderState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, s.key(orderURL), b, s.ttl)
}

func (s *orderStore) accountKey(ctx context.Context) ([]byte, error) {
	b, err := s.kv.Get(ctx, s.prefix+"account-key")
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	return b, err
}

func (s *orderStore) saveAccountKey(ctx context.Context, pemBytes []byte) (bool, error) {
	return s.kv.SetNX(ctx, s.prefix+"account-key", pemBytes, 0)
}
