package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"display-resolver/internal/attribution"
	"display-resolver/internal/codec"
	"display-resolver/internal/config"
	"display-resolver/internal/fetcher"
	"display-resolver/internal/identity"
	"display-resolver/internal/storage"
)

const (
	testBase = "https://cfg.example/Z3"
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
)

var afterLaunch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu          sync.Mutex
	primary     func(ctx context.Context, rawURL string) fetcher.Outcome
	pathID      func(ctx context.Context, base, id string) fetcher.Outcome
	validate    func(ctx context.Context, endpoint string) fetcher.Validation
	primaryURLs []string
	pathIDs     []string
	validated   []string
}

func (f *fakeFetcher) FetchPrimary(ctx context.Context, rawURL string) fetcher.Outcome {
	f.mu.Lock()
	f.primaryURLs = append(f.primaryURLs, rawURL)
	fn := f.primary
	f.mu.Unlock()
	if fn == nil {
		return fetcher.Outcome{Result: fetcher.Unchanged, Status: http.StatusOK}
	}
	return fn(ctx, rawURL)
}

func (f *fakeFetcher) FetchWithPathID(ctx context.Context, base, id string) fetcher.Outcome {
	f.mu.Lock()
	f.pathIDs = append(f.pathIDs, id)
	fn := f.pathID
	f.mu.Unlock()
	if fn == nil {
		return fetcher.Outcome{Result: fetcher.Fallback, Err: fetcher.ErrNetwork}
	}
	return fn(ctx, base, id)
}

func (f *fakeFetcher) Validate(ctx context.Context, endpoint string) fetcher.Validation {
	f.mu.Lock()
	f.validated = append(f.validated, endpoint)
	fn := f.validate
	f.mu.Unlock()
	if fn == nil {
		return fetcher.Validation{Valid: true, Status: http.StatusOK}
	}
	return fn(ctx, endpoint)
}

func (f *fakeFetcher) primaryCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.primaryURLs...)
}

func (f *fakeFetcher) pathIDCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pathIDs...)
}

func (f *fakeFetcher) validateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.validated)
}

type fakePrompter struct {
	shows bool
	calls atomic.Int32
}

func (p *fakePrompter) RequestReview() bool {
	p.calls.Add(1)
	return p.shows
}

func resolved(u string) fetcher.Outcome {
	return fetcher.Outcome{Result: fetcher.Resolved, FinalURL: u, Status: http.StatusOK}
}

func testConfig() config.Resolver {
	return config.Resolver{
		BaseEndpoint:       testBase,
		AttributionTimeout: 50 * time.Millisecond,
		GuardWindow:        150 * time.Millisecond,
		RatingDelay:        10 * time.Millisecond,
		RatingDefer:        10 * time.Millisecond,
	}
}

type harness struct {
	r     *Resolver
	state *storage.State
}

func newHarness(t *testing.T, f Fetcher, mutate func(*Options)) *harness {
	t.Helper()
	state := storage.NewState(storage.NewMemoryStore(), codec.New(""))
	b, err := attribution.NewBuilder(testBase)
	require.NoError(t, err)

	opts := Options{
		Config:   testConfig(),
		State:    state,
		Fetcher:  f,
		Builder:  b,
		Device:   StaticDevice("iPhone"),
		Identity: identity.Static("install-1"),
		Now:      func() time.Time { return afterLaunch },
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return &harness{r: r, state: state}
}

// flush waits until every event posted so far has run on the loop.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	h.r.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("resolver loop did not drain")
	}
}

func (h *harness) waitMode(t *testing.T, m Mode) View {
	t.Helper()
	require.Eventually(t, func() bool { return h.r.View().Mode == m }, waitFor, tick,
		"mode never became %s", m)
	return h.r.View()
}

func TestNew_StartsPreparingAndLoading(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, nil)
	v := h.r.View()
	assert.Equal(t, Preparing, v.Mode)
	assert.True(t, v.Loading)
	assert.Empty(t, v.Endpoint)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), Options{Config: testConfig()})
	assert.Error(t, err)
}

func TestGate_Rejections(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		mutate func(*Options)
		seed   func(*storage.State)
		want   GateRejection
	}{
		{
			name:   "excluded form factor wins over cached endpoint",
			mutate: func(o *Options) { o.Device = StaticDevice("ipad") },
			seed:   func(s *storage.State) { s.SetEndpoint(ctx, "https://x.example/cached") },
			want:   RejectDevice,
		},
		{
			name: "before activation date",
			mutate: func(o *Options) {
				o.Now = func() time.Time { return time.Date(2025, 1, 14, 23, 59, 0, 0, time.UTC) }
			},
			want: RejectDate,
		},
		{
			name: "native only already persisted",
			seed: func(s *storage.State) { s.SetNativeOnly(ctx) },
			want: RejectNativeOnly,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{}
			h := newHarness(t, f, tt.mutate)
			if tt.seed != nil {
				tt.seed(h.state)
			}
			h.r.Start()

			v := h.waitMode(t, Native)
			assert.False(t, v.Loading)
			assert.Equal(t, tt.want, v.Rejection)
			assert.True(t, h.state.NativeOnly(ctx))

			h.r.OnAttribution(attribution.Data{DeviceID: "U1"})
			time.Sleep(80 * time.Millisecond) // past the attribution timeout
			h.flush(t)
			assert.Empty(t, f.primaryCalls())
			assert.Zero(t, f.validateCalls())
		})
	}
}

func TestGate_CachedEndpointIsRemoteBeforeValidation(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{validate: func(ctx context.Context, _ string) fetcher.Validation {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return fetcher.Validation{Valid: true, Status: http.StatusOK}
	}}
	h := newHarness(t, f, nil)
	h.state.SetEndpoint(context.Background(), "https://x.example/cached")
	h.r.Start()

	v := h.waitMode(t, Remote)
	assert.Equal(t, "https://x.example/cached", v.Endpoint)
	assert.False(t, v.Loading)
	require.Eventually(t, func() bool { return f.validateCalls() == 1 }, waitFor, tick)
	close(release)
	assert.Empty(t, f.primaryCalls())
}

func TestGate_InvalidCachedEndpointRefreshesWithPathID(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{
		validate: func(context.Context, string) fetcher.Validation {
			return fetcher.Validation{Status: http.StatusNotFound, Err: fetcher.ErrProtocol}
		},
		pathID: func(_ context.Context, base, id string) fetcher.Outcome {
			return resolved("https://x.example/fresh?pathid=" + id)
		},
	}
	h := newHarness(t, f, nil)
	h.state.SetEndpoint(ctx, "https://x.example/dead")
	h.state.SetPathID(ctx, "77")
	h.r.Start()

	require.Eventually(t, func() bool {
		return h.r.View().Endpoint == "https://x.example/fresh?pathid=77"
	}, waitFor, tick)
	assert.Equal(t, Remote, h.r.View().Mode)
	assert.Equal(t, "https://x.example/fresh?pathid=77", h.state.Endpoint(ctx))
	assert.Equal(t, []string{"77"}, f.pathIDCalls())
	assert.Empty(t, f.primaryCalls())
}

func TestGate_InvalidCachedEndpointWithoutPathIDStaysRemote(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{validate: func(context.Context, string) fetcher.Validation {
		return fetcher.Validation{Err: fetcher.ErrNetwork}
	}}
	h := newHarness(t, f, nil)
	h.state.SetEndpoint(ctx, "https://x.example/dead")
	h.r.Start()

	h.waitMode(t, Remote)
	require.Eventually(t, func() bool { return f.validateCalls() == 1 }, waitFor, tick)
	h.flush(t)
	h.flush(t)
	v := h.r.View()
	assert.Equal(t, Remote, v.Mode)
	assert.Equal(t, "https://x.example/dead", v.Endpoint)
	assert.False(t, h.state.NativeOnly(ctx))
	assert.Empty(t, f.pathIDCalls())
}

func TestAttribution_ResolvedScenario(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{primary: func(context.Context, string) fetcher.Outcome {
		return resolved("https://x.example/s?pathid=77")
	}}
	h := newHarness(t, f, nil)
	h.r.Start()
	h.r.OnAttribution(attribution.Data{DeviceID: "U1", Attributes: map[string]string{"campaign": "abc"}})

	v := h.waitMode(t, Remote)
	assert.Equal(t, "https://x.example/s?pathid=77", v.Endpoint)
	assert.Equal(t, "https://x.example/s?pathid=77", h.state.Endpoint(ctx))
	assert.Equal(t, "77", h.state.PathID(ctx))
	assert.True(t, h.state.RemoteShown(ctx))
	assert.False(t, h.state.NativeOnly(ctx))

	calls := f.primaryCalls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "appsflyerId=U1")
	assert.Contains(t, calls[0], "campaign=abc")
	assert.True(t, strings.HasPrefix(calls[0], testBase+"?"))
}

func TestAttribution_ResolvedWithoutPathID(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{primary: func(context.Context, string) fetcher.Outcome {
		return resolved("https://x.example/landing")
	}}
	h := newHarness(t, f, nil)
	h.r.Start()
	h.r.OnAttribution(attribution.Data{DeviceID: "U1"})

	h.waitMode(t, Remote)
	assert.Equal(t, "https://x.example/landing", h.state.Endpoint(ctx))
	assert.Empty(t, h.state.PathID(ctx))
}

func TestAttribution_UnchangedLeavesEndpointUntouched(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{}
	h := newHarness(t, f, nil)
	h.r.Start()
	h.r.OnAttribution(attribution.Data{DeviceID: "U1"})

	v := h.waitMode(t, Native)
	assert.Equal(t, RejectFetch, v.Rejection)
	_, err := h.state.Store().Get(ctx, storage.SlotEndpoint)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.True(t, h.state.NativeOnly(ctx))
}

func TestAttribution_HeldUntilGateRuns(t *testing.T) {
	f := &fakeFetcher{primary: func(context.Context, string) fetcher.Outcome {
		return resolved("https://x.example/s")
	}}
	h := newHarness(t, f, nil)
	h.r.OnAttribution(attribution.Data{DeviceID: "early"})
	h.r.Start()

	h.waitMode(t, Remote)
	calls := f.primaryCalls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "appsflyerId=early")
}

func TestAttribution_IgnoredWhenAlreadyShownRemote(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{}
	h := newHarness(t, f, func(o *Options) { o.Config.AttributionTimeout = time.Minute })
	h.state.SetRemoteShown(ctx)
	h.r.Start()
	h.flush(t)

	h.r.OnAttribution(attribution.Data{DeviceID: "U1"})
	h.flush(t)
	assert.Empty(t, f.primaryCalls())
	assert.Equal(t, Preparing, h.r.View().Mode)
}

func TestTimeout_FetchesWithoutAttributionExactlyOnce(t *testing.T) {
	f := &fakeFetcher{primary: func(context.Context, string) fetcher.Outcome {
		return resolved("https://x.example/s")
	}}
	h := newHarness(t, f, nil)
	h.r.Start()

	h.waitMode(t, Remote)
	time.Sleep(100 * time.Millisecond)
	h.flush(t)

	calls := f.primaryCalls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "appsflyerId=install-1")
	assert.Contains(t, calls[0], "campaign=&")
}

func TestTimeout_DoesNotDuplicateInFlightFetch(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{primary: func(ctx context.Context, _ string) fetcher.Outcome {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return resolved("https://x.example/s")
	}}
	h := newHarness(t, f, nil)
	h.r.Start()
	h.r.OnAttribution(attribution.Data{DeviceID: "U1"})

	require.Eventually(t, func() bool { return len(f.primaryCalls()) == 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond) // attribution timeout fires while the fetch is outstanding
	h.r.OnAttribution(attribution.Data{DeviceID: "U2"})
	h.flush(t)
	close(release)

	h.waitMode(t, Remote)
	assert.Len(t, f.primaryCalls(), 1)
}

func TestPrimaryFailure_RetriesWithStoredPathID(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{
		primary: func(context.Context, string) fetcher.Outcome {
			return fetcher.Outcome{Result: fetcher.Fallback, Status: 500, Err: fetcher.ErrProtocol}
		},
		pathID: func(_ context.Context, base, id string) fetcher.Outcome {
			assert.Equal(t, testBase, base)
			return resolved("https://x.example/again")
		},
	}
	h := newHarness(t, f, nil)
	h.state.SetPathID(ctx, "p9")
	h.r.Start()
	h.r.OnAttribution(attribution.Data{DeviceID: "U1"})

	v := h.waitMode(t, Remote)
	assert.Equal(t, "https://x.example/again", v.Endpoint)
	assert.Equal(t, []string{"p9"}, f.pathIDCalls())
	assert.False(t, h.state.NativeOnly(ctx))
}

func TestPrimaryFailure_PathIDFailureShowsEmptyRemote(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{primary: func(context.Context, string) fetcher.Outcome {
		return fetcher.Outcome{Result: fetcher.Fallback, Err: fetcher.ErrNetwork}
	}}
	h := newHarness(t, f, nil)
	h.state.SetPathID(ctx, "p9")
	h.r.Start()
	h.r.OnAttribution(attribution.Data{DeviceID: "U1"})

	v := h.waitMode(t, Remote)
	assert.Empty(t, v.Endpoint)
	assert.False(t, h.state.NativeOnly(ctx))
}

func TestNavigation_GuardWindow(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{primary: func(context.Context, string) fetcher.Outcome {
		return resolved("https://x.example/s?pathid=77")
	}}
	h := newHarness(t, f, nil)
	h.r.Start()
	h.r.OnAttribution(attribution.Data{DeviceID: "U1"})
	h.waitMode(t, Remote)

	h.r.ReportNavigation("https://x.example/page-redirect")
	h.flush(t)
	assert.Equal(t, "https://x.example/s?pathid=77", h.state.Endpoint(ctx))

	time.Sleep(200 * time.Millisecond)
	h.r.ReportNavigation("https://x.example/settled")
	h.flush(t)
	assert.Equal(t, "https://x.example/settled", h.state.Endpoint(ctx))
	assert.Equal(t, "https://x.example/settled", h.r.View().Endpoint)
}

func TestNavigation_Filters(t *testing.T) {
	ctx := context.Background()
	const cached = "https://x.example/cached"
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"config endpoint", testBase, cached},
		{"tracking host", "https://cfg.example/click?id=1", cached},
		{"same as stored", cached, cached},
		{"empty", "", cached},
		{"new page", "https://x.example/other", "https://x.example/other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeFetcher{}, nil)
			h.state.SetEndpoint(ctx, cached)
			h.r.Start()
			h.waitMode(t, Remote)

			h.r.ReportNavigation(tt.url)
			h.flush(t)
			assert.Equal(t, tt.want, h.state.Endpoint(ctx))
		})
	}
}

func TestNavigation_IgnoredOutsideRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeFetcher{}, func(o *Options) { o.Device = StaticDevice("iPad") })
	h.r.Start()
	h.waitMode(t, Native)

	h.r.ReportNavigation("https://x.example/other")
	h.flush(t)
	assert.Empty(t, h.state.Endpoint(ctx))
}

func TestRating(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name        string
		shownBefore bool
		shows       bool
		wantCalls   int32
		wantShown   bool
	}{
		{"first remote session never prompts", false, true, 0, false},
		{"returning session prompts once", true, true, 1, true},
		{"prompt not presented is retried later", true, false, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePrompter{shows: tt.shows}
			h := newHarness(t, &fakeFetcher{}, func(o *Options) { o.Prompter = p })
			h.state.SetEndpoint(ctx, "https://x.example/cached")
			if tt.shownBefore {
				h.state.SetRemoteShown(ctx)
			}
			h.r.Start()
			h.waitMode(t, Remote)

			time.Sleep(80 * time.Millisecond)
			h.flush(t)
			assert.Equal(t, tt.wantCalls, p.calls.Load())
			assert.Equal(t, tt.wantShown, h.state.RatingShown(ctx))
		})
	}
}

func TestRating_NotRepeatedOnceShown(t *testing.T) {
	ctx := context.Background()
	p := &fakePrompter{shows: true}
	h := newHarness(t, &fakeFetcher{}, func(o *Options) { o.Prompter = p })
	h.state.SetEndpoint(ctx, "https://x.example/cached")
	h.state.SetRemoteShown(ctx)
	h.state.SetRatingShown(ctx)
	h.r.Start()
	h.waitMode(t, Remote)

	time.Sleep(80 * time.Millisecond)
	h.flush(t)
	assert.Zero(t, p.calls.Load())
}

func TestStartupDelay(t *testing.T) {
	h := newHarness(t, &fakeFetcher{}, func(o *Options) {
		o.Config.StartupDelay = 50 * time.Millisecond
		o.Device = StaticDevice("iPad")
	})
	h.r.Start()
	h.flush(t)
	assert.Equal(t, Preparing, h.r.View().Mode)
	h.waitMode(t, Native)
}

func TestClose_AbortsOutstandingFetch(t *testing.T) {
	var aborted atomic.Bool
	f := &fakeFetcher{primary: func(ctx context.Context, _ string) fetcher.Outcome {
		<-ctx.Done()
		aborted.Store(errors.Is(ctx.Err(), context.Canceled))
		return fetcher.Outcome{Result: fetcher.Fallback, Err: fetcher.ErrNetwork}
	}}
	h := newHarness(t, f, nil)
	h.r.Start()
	h.r.OnAttribution(attribution.Data{DeviceID: "U1"})
	require.Eventually(t, func() bool { return len(f.primaryCalls()) == 1 }, waitFor, tick)

	h.r.Close()
	assert.True(t, aborted.Load())
	assert.Equal(t, Preparing, h.r.View().Mode)
}

func TestResolver_AgainstConfigServer(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("/Z3", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("campaign") == "abc" {
			http.Redirect(w, r, "/s?pathid=77", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/s", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	newLive := func(t *testing.T) *harness {
		return newHarness(t, fetcher.New(time.Second), func(o *Options) {
			o.Config.BaseEndpoint = srv.URL + "/Z3"
			b, err := attribution.NewBuilder(srv.URL + "/Z3")
			require.NoError(t, err)
			o.Builder = b
		})
	}

	t.Run("redirect resolves to remote", func(t *testing.T) {
		h := newLive(t)
		h.r.Start()
		h.r.OnAttribution(attribution.Data{DeviceID: "U1", Attributes: map[string]string{"campaign": "abc"}})

		v := h.waitMode(t, Remote)
		assert.Equal(t, srv.URL+"/s?pathid=77", v.Endpoint)
		assert.Equal(t, "77", h.state.PathID(ctx))
	})

	t.Run("http 500 goes native", func(t *testing.T) {
		h := newLive(t)
		h.r.Start()
		h.r.OnAttribution(attribution.Data{DeviceID: "U1", Attributes: map[string]string{"campaign": "zzz"}})

		v := h.waitMode(t, Native)
		assert.Equal(t, RejectFetch, v.Rejection)
		assert.True(t, h.state.NativeOnly(ctx))
	})
}
