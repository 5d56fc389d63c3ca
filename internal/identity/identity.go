package identity

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"display-resolver/internal/storage"
)

// Provider hands out the device identifier sent with configuration requests
// when the attribution SDK never delivered one.
type Provider interface {
	DeviceID(ctx context.Context) string
}

// InstallID is a random identifier created on first use and persisted so every
// later launch reports the same value.
type InstallID struct {
	state *storage.State
}

func NewInstallID(state *storage.State) *InstallID {
	return &InstallID{state: state}
}

func (p *InstallID) DeviceID(ctx context.Context) string {
	if id := p.state.InstallID(ctx); id != "" {
		return id
	}
	id := uuid.NewString()
	p.state.SetInstallID(ctx, id)
	log.Info().Str("install_id", id).Msg("generated install identifier")
	return id
}

// Static always returns the same identifier.
type Static string

func (s Static) DeviceID(context.Context) string { return string(s) }
