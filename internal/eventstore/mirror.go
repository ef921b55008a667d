package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/equihub-lab/equihub-core/internal/core/event"
	"github.com/equihub-lab/equihub-core/internal/kvstore"
)

// Row mirrors hold the last state observed from the remote store, one JSON
// blob per event id. They let offline mutations publish fully populated
// changes instead of id-only skeletons.

// SaveMirror records ev as the last known remote state of its row.
func SaveMirror(ctx context.Context, kv kvstore.Store, ev event.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return kv.Put(ctx, kvstore.RowKey(ev.ID), raw)
}

// LoadMirror reads the last known remote state of the row, reporting whether
// a mirror exists.
func LoadMirror(ctx context.Context, kv kvstore.Store, id string) (event.Event, bool, error) {
	raw, err := kv.Get(ctx, kvstore.RowKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, err
	}

	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return event.Event{}, false, fmt.Errorf("corrupt row mirror for %s: %w", id, err)
	}
	return ev, true, nil
}

// DeleteMirror drops the mirror once the row is gone remotely.
func DeleteMirror(ctx context.Context, kv kvstore.Store, id string) error {
	return kv.Delete(ctx, kvstore.RowKey(id))
}
