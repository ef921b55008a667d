package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/equihub-lab/equihub-core/internal/core/event"
	"github.com/equihub-lab/equihub-core/internal/kvstore"
)

// The pending queue is one JSON array under one key per owner, so a single
// Put replaces it atomically. Callers serialize mutations; the store offers
// no multi-key transactions.

// LoadQueue reads the owner's pending-write queue. A missing key is an empty
// queue.
func LoadQueue(ctx context.Context, kv kvstore.Store, owner string) ([]event.PendingWrite, error) {
	raw, err := kv.Get(ctx, kvstore.PendingKey(owner))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var queue []event.PendingWrite
	if err := json.Unmarshal(raw, &queue); err != nil {
		return nil, fmt.Errorf("corrupt pending queue for %s: %w", owner, err)
	}
	return queue, nil
}

// SaveQueue writes the queue back, removing the key when it drains empty.
func SaveQueue(ctx context.Context, kv kvstore.Store, owner string, queue []event.PendingWrite) error {
	if len(queue) == 0 {
		return kv.Delete(ctx, kvstore.PendingKey(owner))
	}
	raw, err := json.Marshal(queue)
	if err != nil {
		return err
	}
	return kv.Put(ctx, kvstore.PendingKey(owner), raw)
}

// LoadDeadLetter reads the owner's dead-letter sink.
func LoadDeadLetter(ctx context.Context, kv kvstore.Store, owner string) ([]event.PendingWrite, error) {
	raw, err := kv.Get(ctx, kvstore.DeadLetterKey(owner))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sink []event.PendingWrite
	if err := json.Unmarshal(raw, &sink); err != nil {
		return nil, fmt.Errorf("corrupt dead-letter sink for %s: %w", owner, err)
	}
	return sink, nil
}

// SaveDeadLetter writes the dead-letter sink back.
func SaveDeadLetter(ctx context.Context, kv kvstore.Store, owner string, sink []event.PendingWrite) error {
	if len(sink) == 0 {
		return kv.Delete(ctx, kvstore.DeadLetterKey(owner))
	}
	raw, err := json.Marshal(sink)
	if err != nil {
		return err
	}
	return kv.Put(ctx, kvstore.DeadLetterKey(owner), raw)
}
