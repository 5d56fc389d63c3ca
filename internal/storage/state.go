package storage

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"

	"display-resolver/internal/codec"
)

// PersistedState is a decoded view of every slot the resolver owns.
type PersistedState struct {
	NativeOnly  bool   `json:"native_only"`
	Endpoint    string `json:"endpoint,omitempty"`
	PathID      string `json:"path_id,omitempty"`
	RemoteShown bool   `json:"remote_shown"`
	RatingShown bool   `json:"rating_shown"`
}

// State is typed access to the resolver's slots. Absent slots read as their
// zero value; read errors are logged and degrade to the zero value as well.
type State struct {
	store Store
	codec *codec.Codec
}

func NewState(store Store, c *codec.Codec) *State {
	if c == nil {
		c = codec.New("")
	}
	return &State{store: store, codec: c}
}

func (s *State) Store() Store { return s.store }

func (s *State) NativeOnly(ctx context.Context) bool { return s.getBool(ctx, SlotNativeOnly) }

func (s *State) SetNativeOnly(ctx context.Context) { s.setBool(ctx, SlotNativeOnly, true) }

func (s *State) RemoteShown(ctx context.Context) bool { return s.getBool(ctx, SlotRemoteShown) }

func (s *State) SetRemoteShown(ctx context.Context) { s.setBool(ctx, SlotRemoteShown, true) }

func (s *State) RatingShown(ctx context.Context) bool { return s.getBool(ctx, SlotRatingShown) }

func (s *State) SetRatingShown(ctx context.Context) { s.setBool(ctx, SlotRatingShown, true) }

func (s *State) PathID(ctx context.Context) string { return s.getString(ctx, SlotPathID) }

func (s *State) SetPathID(ctx context.Context, id string) { s.setString(ctx, SlotPathID, id) }

// Endpoint returns the stored endpoint, or "" if none is stored or the stored
// value can be neither decoded nor used as a plain URL.
func (s *State) Endpoint(ctx context.Context) string {
	raw := s.getString(ctx, SlotEndpoint)
	if raw == "" {
		return ""
	}
	v, plain, ok := s.codec.Reveal(raw)
	if !ok {
		log.Warn().Msg("stored endpoint is unreadable, treating as absent")
		return ""
	}
	if plain {
		log.Warn().Msg("stored endpoint is plain text, using as-is")
	}
	return v
}

// SetEndpoint obfuscates and stores endpoint. An empty endpoint clears the slot.
func (s *State) SetEndpoint(ctx context.Context, endpoint string) {
	if endpoint == "" {
		if err := s.store.Delete(ctx, SlotEndpoint); err != nil {
			log.Error().Err(err).Msg("clear endpoint")
			return
		}
		log.Info().Msg("endpoint removed from storage")
		return
	}
	enc, err := s.codec.Encode(endpoint)
	if err != nil {
		log.Warn().Err(err).Msg("endpoint transform failed, storing plain")
		enc = endpoint
	}
	s.setString(ctx, SlotEndpoint, enc)
}

// InstallID returns the persisted install identifier, if any.
func (s *State) InstallID(ctx context.Context) string { return s.getString(ctx, SlotInstallID) }

func (s *State) SetInstallID(ctx context.Context, id string) { s.setString(ctx, SlotInstallID, id) }

func (s *State) Snapshot(ctx context.Context) PersistedState {
	return PersistedState{
		NativeOnly:  s.NativeOnly(ctx),
		Endpoint:    s.Endpoint(ctx),
		PathID:      s.PathID(ctx),
		RemoteShown: s.RemoteShown(ctx),
		RatingShown: s.RatingShown(ctx),
	}
}

func (s *State) getString(ctx context.Context, slot string) string {
	v, err := s.store.Get(ctx, slot)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Error().Err(err).Str("slot", slot).Msg("read slot")
		}
		return ""
	}
	return v
}

func (s *State) setString(ctx context.Context, slot, v string) {
	if err := s.store.Set(ctx, slot, v); err != nil {
		log.Error().Err(err).Str("slot", slot).Msg("write slot")
	}
}

func (s *State) getBool(ctx context.Context, slot string) bool {
	raw := s.getString(ctx, slot)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("slot", slot).Str("value", raw).Msg("slot is not a bool, treating as false")
		return false
	}
	return b
}

func (s *State) setBool(ctx context.Context, slot string, v bool) {
	s.setString(ctx, slot, strconv.FormatBool(v))
}
