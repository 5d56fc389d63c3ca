// Package resolver decides, once per launch, whether the client renders its
// native experience or the remotely hosted one, and keeps that decision
// persisted and validated across launches.
//
// All state transitions run on a single goroutine (the loop). Network calls
// run elsewhere and post their completion back to the loop, so no field below
// the "loop-owned" marker is ever touched concurrently.
package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"display-resolver/internal/attribution"
	"display-resolver/internal/cache"
	"display-resolver/internal/config"
	"display-resolver/internal/identity"
	"display-resolver/internal/storage"
)

type Options struct {
	Config   config.Resolver
	State    *storage.State
	Fetcher  Fetcher
	Builder  URLBuilder
	Device   DeviceClassifier
	Identity identity.Provider
	Prompter RatingPrompter // optional
	Now      func() time.Time
}

type Resolver struct {
	cfg      config.Resolver
	state    *storage.State
	fetcher  Fetcher
	builder  URLBuilder
	device   DeviceClassifier
	identity identity.Provider
	prompter RatingPrompter
	now      func() time.Time

	view cache.Snapshot[View]

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan func()
	wg      sync.WaitGroup
	started sync.Once
	closed  sync.Once

	// loop-owned
	mode            Mode
	rejection       GateRejection
	endpoint        string
	gateDone        bool
	held            *attribution.Data
	attr            attribution.Data
	fetching        bool
	guard           bool
	guardGen        uint64
	shownBefore     bool
	ratingScheduled bool
}

func New(ctx context.Context, opts Options) (*Resolver, error) {
	if opts.State == nil || opts.Fetcher == nil || opts.Builder == nil {
		return nil, errors.New("resolver: state, fetcher and builder are required")
	}
	if opts.Config.Activation().IsZero() {
		if err := opts.Config.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Device == nil {
		opts.Device = StaticDevice("")
	}
	if opts.Identity == nil {
		opts.Identity = identity.NewInstallID(opts.State)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Resolver{
		cfg:      opts.Config,
		state:    opts.State,
		fetcher:  opts.Fetcher,
		builder:  opts.Builder,
		device:   opts.Device,
		identity: opts.Identity,
		prompter: opts.Prompter,
		now:      opts.Now,
		events:   make(chan func(), 64),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.view.Store(View{Mode: Preparing, Loading: true})
	return r, nil
}

// Start launches the loop and schedules the gate after the startup delay.
// Events posted before Start are queued and run once the loop is up.
func (r *Resolver) Start() {
	r.started.Do(func() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.run()
		}()
		if r.cfg.StartupDelay > 0 {
			r.after(r.cfg.StartupDelay, r.runGate)
			return
		}
		r.post(r.runGate)
	})
}

// Close stops the loop and aborts outstanding requests. Pending timers become no-ops.
func (r *Resolver) Close() {
	r.closed.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}

// View returns the latest published state. Safe from any goroutine.
func (r *Resolver) View() View { return r.view.Load() }

// Generation increases every time a new View is published.
func (r *Resolver) Generation() uint64 { return r.view.Generation() }

// OnAttribution delivers the attribution SDK's data. It is expected once per
// process; later deliveries replace the held data but trigger nothing new
// while a fetch is outstanding.
func (r *Resolver) OnAttribution(d attribution.Data) {
	r.post(func() { r.handleAttribution(d) })
}

// ReportNavigation is called by the renderer with the URL of the page it
// settled on after in-page navigation.
func (r *Resolver) ReportNavigation(rawURL string) {
	r.post(func() { r.handleNavigation(rawURL) })
}

func (r *Resolver) run() {
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.ctx.Done():
			log.Debug().Msg("resolver loop stopped")
			return
		}
	}
}

func (r *Resolver) post(fn func()) {
	select {
	case r.events <- fn:
	case <-r.ctx.Done():
	}
}

// after runs fn on the loop once d has elapsed.
func (r *Resolver) after(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { r.post(fn) })
}

// goAsync runs blocking work off the loop and posts done back onto it.
func (r *Resolver) goAsync(work func(ctx context.Context) func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		done := work(r.ctx)
		if r.ctx.Err() != nil {
			return
		}
		r.post(done)
	}()
}

func (r *Resolver) publish() {
	r.view.Store(View{
		Mode:      r.mode,
		Loading:   r.mode == Preparing,
		Endpoint:  r.endpoint,
		Rejection: r.rejection,
	})
}
