// Package fetcher issues configuration requests and classifies where the
// redirect chain ended. Redirects are followed by the http.Client; the fetcher
// only inspects the final request.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"display-resolver/internal/observability"
)

// DefaultTimeout bounds every request, redirects included.
const DefaultTimeout = 10 * time.Second

var (
	ErrNetwork  = errors.New("fetcher: network failure")
	ErrProtocol = errors.New("fetcher: http status above 403")
	ErrParse    = errors.New("fetcher: malformed url")
)

type Result int

const (
	// Unchanged means the response was not redirected; no configuration exists.
	Unchanged Result = iota
	// Resolved means the chain ended on a different URL, carried in FinalURL.
	Resolved
	// Fallback covers network failures, unparsable URLs and statuses above 403.
	Fallback
)

func (r Result) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case Fallback:
		return "fallback"
	default:
		return "unchanged"
	}
}

type Outcome struct {
	Result   Result
	FinalURL string
	Status   int
	Err      error
}

type Validation struct {
	Valid  bool
	Status int
	Err    error
}

type Fetcher struct {
	client *http.Client
}

// New returns a fetcher whose client keeps cookies across the redirect chain.
func New(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Fetcher{client: &http.Client{Timeout: timeout, Jar: jar}}
}

// NewWithClient wraps an existing client. The client's redirect policy and
// timeout are used as-is.
func NewWithClient(c *http.Client) *Fetcher {
	return &Fetcher{client: c}
}

// FetchPrimary requests a URL built from live attribution data.
func (f *Fetcher) FetchPrimary(ctx context.Context, rawURL string) Outcome {
	return f.get(ctx, "primary", rawURL)
}

// FetchWithPathID re-derives an endpoint from a previously extracted path id.
func (f *Fetcher) FetchWithPathID(ctx context.Context, base, pathID string) Outcome {
	return f.get(ctx, "pathid", PathIDURL(base, pathID))
}

// Validate checks a cached endpoint with a body-less request.
// 200 through 403 is valid; anything else, or any failure, is not.
func (f *Fetcher) Validate(ctx context.Context, endpoint string) Validation {
	started := time.Now()
	v := f.head(ctx, endpoint)
	label := "valid"
	if !v.Valid {
		label = "invalid"
	}
	observability.ObserveFetch("validate", label, started)
	return v
}

func (f *Fetcher) head(ctx context.Context, endpoint string) Validation {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return Validation{Err: fmt.Errorf("%w: %v", ErrParse, err)}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Validation{Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 403 {
		return Validation{Valid: true, Status: resp.StatusCode}
	}
	return Validation{Status: resp.StatusCode, Err: fmt.Errorf("%w: %d", ErrProtocol, resp.StatusCode)}
}

func (f *Fetcher) get(ctx context.Context, kind, rawURL string) Outcome {
	started := time.Now()
	out := f.do(ctx, rawURL)
	observability.ObserveFetch(kind, out.Result.String(), started)

	ev := log.Info()
	if out.Err != nil {
		ev = log.Warn().Err(out.Err)
	}
	ev.Str("kind", kind).Str("outcome", out.Result.String()).Int("status", out.Status).
		Str("final_url", out.FinalURL).Msg("configuration fetch finished")
	return out
}

func (f *Fetcher) do(ctx context.Context, rawURL string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Outcome{Result: Fallback, Err: fmt.Errorf("%w: %v", ErrParse, err)}
	}
	requested := req.URL.String()

	resp, err := f.client.Do(req)
	if err != nil {
		return Outcome{Result: Fallback, Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode > 403 {
		return Outcome{Result: Fallback, Status: resp.StatusCode, Err: fmt.Errorf("%w: %d", ErrProtocol, resp.StatusCode)}
	}
	final := resp.Request.URL.String()
	if final == requested {
		return Outcome{Result: Unchanged, Status: resp.StatusCode}
	}
	return Outcome{Result: Resolved, FinalURL: final, Status: resp.StatusCode}
}

// PathIDURL builds {base}?pathid={id}, replacing any query on base.
func PathIDURL(base, pathID string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?pathid=" + url.QueryEscape(pathID)
	}
	u.RawQuery = "pathid=" + url.QueryEscape(pathID)
	return u.String()
}

// ExtractPathID returns the value of the first query parameter whose name is
// "pathid" in any case. A parameter without "=" carries no value and is skipped.
func ExtractPathID(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	for _, part := range strings.Split(u.RawQuery, "&") {
		name, value, hasValue := strings.Cut(part, "=")
		if !hasValue {
			continue
		}
		name, err := url.QueryUnescape(name)
		if err != nil || !strings.EqualFold(name, "pathid") {
			continue
		}
		if value, err = url.QueryUnescape(value); err != nil {
			continue
		}
		return value, true
	}
	return "", false
}
