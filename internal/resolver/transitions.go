package resolver

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"display-resolver/internal/attribution"
	"display-resolver/internal/fetcher"
	"display-resolver/internal/observability"
)

// runGate is the ordered startup check. It runs exactly once.
func (r *Resolver) runGate() {
	ctx := r.ctx
	r.shownBefore = r.state.RemoteShown(ctx)

	if ff := r.device.FormFactor(); ff != "" && strings.EqualFold(ff, r.cfg.ExcludedFormFactor) {
		r.finishGate()
		r.activateNative(RejectDevice)
		return
	}
	if r.now().Before(r.cfg.Activation()) {
		r.finishGate()
		r.activateNative(RejectDate)
		return
	}
	if r.state.NativeOnly(ctx) {
		r.finishGate()
		r.activateNative(RejectNativeOnly)
		return
	}
	if ep := r.state.Endpoint(ctx); ep != "" {
		r.finishGate()
		r.endpoint = ep
		r.activateRemote("cached_endpoint")
		r.validateInBackground(ep)
		return
	}

	log.Info().Dur("timeout", r.cfg.AttributionTimeout).Msg("no cached endpoint, waiting for attribution data")
	r.finishGate()
	r.after(r.cfg.AttributionTimeout, r.onAttributionTimeout)
	if r.held != nil {
		d := *r.held
		r.held = nil
		r.handleAttribution(d)
	}
}

func (r *Resolver) finishGate() { r.gateDone = true }

func (r *Resolver) handleAttribution(d attribution.Data) {
	r.attr = d
	if !r.gateDone {
		r.held = &d
		log.Info().Msg("attribution data arrived before the gate ran, holding it")
		return
	}

	ctx := r.ctx
	switch {
	case r.state.NativeOnly(ctx):
		r.ignore("native_only", "attribution")
	case r.state.RemoteShown(ctx):
		r.ignore("remote_shown", "attribution")
	case r.state.Endpoint(ctx) != "":
		r.ignore("endpoint_cached", "attribution")
	default:
		r.startPrimaryFetch("attribution")
	}
}

func (r *Resolver) onAttributionTimeout() {
	ctx := r.ctx
	if r.mode != Preparing || r.state.NativeOnly(ctx) || r.state.RemoteShown(ctx) {
		return
	}
	log.Warn().Msg("attribution data timed out, fetching without it")
	r.startPrimaryFetch("timeout")
}

func (r *Resolver) startPrimaryFetch(trigger string) {
	if r.fetching {
		r.ignore("fetch_in_flight", trigger)
		return
	}
	r.fetching = true

	deviceID := r.attr.DeviceID
	if deviceID == "" {
		deviceID = r.identity.DeviceID(r.ctx)
	}
	target := r.builder.Build(deviceID, r.attr.Attributes)
	log.Info().Str("trigger", trigger).Str("url", target).Msg("fetching configuration")

	r.goAsync(func(ctx context.Context) func() {
		out := r.fetcher.FetchPrimary(ctx, target)
		return func() { r.onPrimaryOutcome(out) }
	})
}

func (r *Resolver) onPrimaryOutcome(out fetcher.Outcome) {
	r.fetching = false
	ctx := r.ctx

	if out.Result == fetcher.Resolved {
		if id, ok := fetcher.ExtractPathID(out.FinalURL); ok {
			r.state.SetPathID(ctx, id)
			log.Info().Str("path_id", id).Msg("stored path identifier")
		} else {
			log.Info().Str("url", out.FinalURL).Msg("no pathid parameter in resolved url")
		}
		r.storeFreshEndpoint(out.FinalURL)
		r.activateRemote("resolved")
		return
	}

	if r.mode == Remote {
		return
	}
	if r.state.PathID(ctx) != "" {
		log.Info().Str("outcome", out.Result.String()).Msg("primary fetch failed, retrying with stored path identifier")
		r.startPathIDFetch("primary_failed")
		return
	}
	r.activateNative(RejectFetch)
}

func (r *Resolver) validateInBackground(endpoint string) {
	log.Info().Str("url", endpoint).Msg("validating cached endpoint")
	r.goAsync(func(ctx context.Context) func() {
		v := r.fetcher.Validate(ctx, endpoint)
		return func() { r.onValidation(v) }
	})
}

func (r *Resolver) onValidation(v fetcher.Validation) {
	if v.Valid {
		log.Info().Int("status", v.Status).Msg("cached endpoint is valid")
		return
	}
	log.Warn().Err(v.Err).Int("status", v.Status).Msg("cached endpoint is dead, refreshing with path identifier")
	r.startPathIDFetch("validation")
}

// startPathIDFetch never leads to Native: without a path id, or on failure,
// the remote surface is shown with whatever endpoint is current.
func (r *Resolver) startPathIDFetch(trigger string) {
	pathID := r.state.PathID(r.ctx)
	if pathID == "" {
		log.Warn().Str("trigger", trigger).Msg("no stored path identifier, showing remote surface as is")
		r.activateRemote("no_path_id")
		return
	}
	if r.fetching {
		r.ignore("fetch_in_flight", trigger)
		return
	}
	r.fetching = true

	base := r.builder.Base()
	r.goAsync(func(ctx context.Context) func() {
		out := r.fetcher.FetchWithPathID(ctx, base, pathID)
		return func() { r.onPathIDOutcome(out) }
	})
}

func (r *Resolver) onPathIDOutcome(out fetcher.Outcome) {
	r.fetching = false
	if out.Result == fetcher.Resolved {
		r.storeFreshEndpoint(out.FinalURL)
		r.activateRemote("pathid_resolved")
		return
	}
	r.activateRemote("pathid_" + out.Result.String())
}

// storeFreshEndpoint persists a just-resolved endpoint and opens the guard
// window during which renderer-reported URLs are ignored.
func (r *Resolver) storeFreshEndpoint(endpoint string) {
	r.guard = true
	r.guardGen++
	gen := r.guardGen

	r.state.SetEndpoint(r.ctx, endpoint)
	r.endpoint = endpoint

	r.after(r.cfg.GuardWindow, func() {
		if r.guardGen == gen {
			r.guard = false
		}
	})
}

func (r *Resolver) handleNavigation(rawURL string) {
	ctx := r.ctx
	switch {
	case r.mode != Remote:
		r.ignore("not_remote", "navigation")
	case r.guard:
		r.ignore("guard_window", "navigation")
	case rawURL == "" || rawURL == r.builder.Base():
		r.ignore("config_endpoint", "navigation")
	case r.cfg.TrackingHost != "" && strings.Contains(rawURL, r.cfg.TrackingHost):
		r.ignore("tracking_host", "navigation")
	case rawURL == r.state.Endpoint(ctx):
		r.ignore("unchanged", "navigation")
	default:
		r.state.SetEndpoint(ctx, rawURL)
		r.endpoint = rawURL
		r.publish()
		log.Info().Str("url", rawURL).Msg("stored endpoint reported by renderer")
	}
}

func (r *Resolver) activateNative(reason GateRejection) {
	r.mode = Native
	r.rejection = reason
	r.state.SetNativeOnly(r.ctx)
	r.publish()

	observability.Transitions.WithLabelValues(Native.String(), string(reason)).Inc()
	log.Info().Str("mode", Native.String()).Str("reason", string(reason)).Msg("display mode settled")
}

func (r *Resolver) activateRemote(reason string) {
	ctx := r.ctx
	r.mode = Remote
	r.rejection = RejectNone

	if r.shownBefore && r.prompter != nil && !r.ratingScheduled && !r.state.RatingShown(ctx) {
		r.ratingScheduled = true
		r.after(r.cfg.RatingDelay, func() {
			r.after(r.cfg.RatingDefer, r.requestRating)
		})
	}
	if !r.state.RemoteShown(ctx) {
		r.state.SetRemoteShown(ctx)
	}
	r.publish()

	observability.Transitions.WithLabelValues(Remote.String(), reason).Inc()
	log.Info().Str("mode", Remote.String()).Str("reason", reason).Bool("has_endpoint", r.endpoint != "").
		Msg("display mode settled")
}

func (r *Resolver) requestRating() {
	if r.state.RatingShown(r.ctx) {
		return
	}
	if r.prompter.RequestReview() {
		r.state.SetRatingShown(r.ctx)
		log.Info().Msg("rating prompt shown")
		return
	}
	log.Info().Msg("rating prompt could not be presented, will retry next launch")
}

func (r *Resolver) ignore(reason, trigger string) {
	observability.IgnoredTriggers.WithLabelValues(reason).Inc()
	log.Debug().Str("reason", reason).Str("trigger", trigger).Msg("trigger ignored")
}
