package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kuitang/notesync/internal/logutil"
	"github.com/kuitang/notesync/internal/obs"
)

// ProberOptions configures a Prober.
type ProberOptions struct {
	// URL is fetched on every probe; any response below 500 counts as online.
	URL string

	// Interval is the pause between probes while online. Zero means 30s.
	Interval time.Duration

	// InitialBackoff and MaxBackoff bound the retry delay while offline.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Client performs the probes. Nil uses a client with a 5s timeout.
	Client *http.Client
}

// Prober is an Oracle driven by periodic HTTP health probes. While offline
// it retries with exponential backoff.
type Prober struct {
	notifier
	opts    ProberOptions
	backoff *backoff.ExponentialBackOff
}

var _ Oracle = (*Prober)(nil)

// NewProber creates a prober that starts offline until the first probe.
func NewProber(opts ProberOptions) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Second}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff
	b.MaxElapsedTime = 0 // never give up
	b.Reset()

	return &Prober{opts: opts, backoff: b}
}

// Probe performs one check and updates the state. It reports the new state.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.reachable(ctx)
	if p.set(online) {
		obs.From(ctx).With("pkg", "connectivity").Info("connectivity_restored", "url", logutil.RedactURL(p.opts.URL))
	}
	return online
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	logger := obs.From(ctx).With("pkg", "connectivity")
	for {
		var wait time.Duration
		if p.Probe(ctx) {
			p.backoff.Reset()
			wait = p.opts.Interval
		} else {
			wait = p.backoff.NextBackOff()
			if wait == backoff.Stop {
				wait = p.opts.MaxBackoff
			}
			logger.Debug("probe_offline", "retry_in", wait.String())
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
