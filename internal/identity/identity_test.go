package identity

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"display-resolver/internal/storage"
)

func TestInstallID_StableAcrossLaunches(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()

	first := NewInstallID(storage.NewState(mem, nil)).DeviceID(ctx)
	_, err := uuid.Parse(first)
	require.NoError(t, err)

	second := NewInstallID(storage.NewState(mem, nil)).DeviceID(ctx)
	assert.Equal(t, first, second)
}

func TestStatic(t *testing.T) {
	assert.Equal(t, "U1", Static("U1").DeviceID(context.Background()))
}
