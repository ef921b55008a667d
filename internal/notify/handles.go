package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/equihub-lab/equihub-core/internal/kvstore"
)

// Handle records one scheduled device notification so a later rebuild or
// delete can cancel it. Handles live in the local store as one JSON array per
// event id.
type Handle struct {
	RuleKey      string `json:"ruleKey"`
	DeviceHandle string `json:"deviceHandle"`
}

func loadHandles(ctx context.Context, kv kvstore.Store, key string) ([]Handle, error) {
	raw, err := kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var handles []Handle
	if err := json.Unmarshal(raw, &handles); err != nil {
		return nil, fmt.Errorf("corrupt handle entry %s: %w", key, err)
	}
	return handles, nil
}

func saveHandles(ctx context.Context, kv kvstore.Store, key string, handles []Handle) error {
	if len(handles) == 0 {
		return kv.Delete(ctx, key)
	}
	raw, err := json.Marshal(handles)
	if err != nil {
		return err
	}
	return kv.Put(ctx, key, raw)
}

// Settings are the process-wide notification toggles.
type Settings struct {
	PregnancyReminders bool `json:"pregnancyReminders"`
}

func loadSettings(ctx context.Context, kv kvstore.Store) Settings {
	s := Settings{PregnancyReminders: true}
	raw, err := kv.Get(ctx, kvstore.SettingsKey)
	if err != nil {
		return s
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{PregnancyReminders: true}
	}
	return s
}

// SaveSettings persists the toggles.
func SaveSettings(ctx context.Context, kv kvstore.Store, s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return kv.Put(ctx, kvstore.SettingsKey, raw)
}
