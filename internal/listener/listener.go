// Package listener feeds attribution data published through Postgres
// LISTEN/NOTIFY into the resolver. An upstream attribution collector runs
// pg_notify(channel, '{"device_id": "...", "data": {...}}') once it has a result.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"display-resolver/internal/attribution"
	"display-resolver/internal/storage"
)

// Sink receives decoded attribution deliveries.
type Sink interface {
	OnAttribution(d attribution.Data)
}

type payload struct {
	DeviceID string         `json:"device_id"`
	Data     map[string]any `json:"data"`
}

// ListenForAttribution blocks until ctx is done, reconnecting with jittered
// backoff whenever the LISTEN connection fails.
func ListenForAttribution(ctx context.Context, st *storage.PostgresStore, sink Sink, channel string, baseBackoff time.Duration) {
	if channel == "" {
		channel = st.ListenChannel()
	}
	for {
		err := listen(ctx, st, sink, channel)
		if ctx.Err() != nil {
			log.Info().Msg("listener stopped")
			return
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Dur("retry_in", backoff).Msg("notify wait error")
		select {
		case <-ctx.Done():
			log.Info().Msg("listener stopped")
			return
		case <-time.After(backoff):
		}
	}
}

func listen(ctx context.Context, st *storage.PostgresStore, sink Sink, channel string) error {
	conn, err := st.PgxPool().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn for listen: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	log.Info().Str("channel", channel).Msg("listening for attribution data")

	for {
		ntf, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		d, err := decodePayload(ntf.Payload)
		if err != nil {
			log.Warn().Err(err).Str("channel", ntf.Channel).Msg("dropping attribution notification")
			continue
		}
		log.Info().Str("channel", ntf.Channel).Str("device_id", d.DeviceID).Msg("attribution data received")
		sink.OnAttribution(d)
	}
}

func decodePayload(raw string) (attribution.Data, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return attribution.Data{}, fmt.Errorf("decode payload: %w", err)
	}
	return attribution.Data{
		DeviceID:   strings.TrimSpace(p.DeviceID),
		Attributes: attribution.Normalize(p.Data),
	}, nil
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
