package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/relaybot/internal/core/store"
)

func TestEnsureJWTSecret(t *testing.T) {
	st, err := store.OpenBadger("")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	first, err := EnsureJWTSecret(ctx, st, "")
	require.NoError(t, err)
	assert.Len(t, first, 64)

	again, err := EnsureJWTSecret(ctx, st, "")
	require.NoError(t, err)
	assert.Equal(t, first, again, "generated once, then reused")

	configured, err := EnsureJWTSecret(ctx, st, "from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-config", configured)
}
