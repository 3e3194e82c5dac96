package controller

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/store"
)

const jwtSecretSetting = "jwt_secret"

// EnsureJWTSecret returns the configured secret, or the one generated on
// first boot and kept in the store so tokens survive restarts.
func EnsureJWTSecret(ctx context.Context, st store.Store, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return ensureSetting(ctx, st, jwtSecretSetting, 32)
}

func ensureSetting(ctx context.Context, st store.Store, name string, byteLen int) (string, error) {
	key := store.SettingKey(name)
	rec, err := st.Get(ctx, key)
	if err == nil && rec["value"] != "" {
		return rec["value"], nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("read setting %s: %w", name, err)
	}

	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	value := hex.EncodeToString(b)
	if err := st.Set(ctx, key, store.Record{"value": value}); err != nil {
		return "", fmt.Errorf("save setting %s: %w", name, err)
	}
	log.Info().Str("setting", name).Msg("generated setting on first boot")
	return value, nil
}
