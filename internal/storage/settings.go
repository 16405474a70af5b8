package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"coursezipgo/internal/models"
)

const (
	KeySaveSettings   = "saveSettings"
	KeyTelemetryAsked = "telemetryAsked"
	KeyTelemetryOptIn = "telemetryOptIn"
)

// LoadSaveSettings returns the persisted save preference, or the default
// ("downloads", no save-as dialog) when none is stored yet.
func LoadSaveSettings(ctx context.Context, kv KV) (models.SaveSettings, error) {
	settings := models.SaveSettings{Mode: models.SaveModeDownloads}

	raw, err := kv.Get(ctx, KeySaveSettings)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return settings, nil
		}
		return settings, err
	}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return settings, fmt.Errorf("cannot decode save settings: %w", err)
	}
	return settings, nil
}

func StoreSaveSettings(ctx context.Context, kv KV, settings models.SaveSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("cannot encode save settings: %w", err)
	}
	return kv.Set(ctx, KeySaveSettings, string(raw))
}

// TelemetryFlags reports whether the user was asked about telemetry and
// whether they opted in. Missing keys read as false.
func TelemetryFlags(ctx context.Context, kv KV) (asked, optIn bool, err error) {
	asked, err = boolFlag(ctx, kv, KeyTelemetryAsked)
	if err != nil {
		return false, false, err
	}
	optIn, err = boolFlag(ctx, kv, KeyTelemetryOptIn)
	if err != nil {
		return false, false, err
	}
	return asked, optIn, nil
}

// SetTelemetryOptIn records the user's answer and marks the question as
// asked, so it is never shown twice.
func SetTelemetryOptIn(ctx context.Context, kv KV, optIn bool) error {
	if err := kv.Set(ctx, KeyTelemetryAsked, strconv.FormatBool(true)); err != nil {
		return err
	}
	return kv.Set(ctx, KeyTelemetryOptIn, strconv.FormatBool(optIn))
}

func boolFlag(ctx context.Context, kv KV, key string) (bool, error) {
	raw, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("cannot parse flag %s: %w", key, err)
	}
	return val, nil
}
