package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/logutil"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// IdempotencyHeader carries the pending op ID on replayed writes.
	IdempotencyHeader = "Idempotency-Key"

	// A single note is at most MaxContentBytes of content; JSON escaping can
	// expand it several times over.
	maxNoteResponseBytes = 8 * notes.MaxContentBytes

	// DefaultMaxListBytes bounds a list response when Options.MaxListBytes is zero.
	DefaultMaxListBytes = 1 << 30

	maxLogBodyBytes = 2048
)

// ErrResponseTooLarge is wrapped when the notes API sends more than the
// client is willing to read.
var ErrResponseTooLarge = errors.New("notes API response too large")

// Options configures a Client.
type Options struct {
	// BaseURL is the API origin, e.g. https://notes.example.com. Paths are
	// appended under /api/notes.
	BaseURL string

	// TokenSource supplies bearer tokens. Nil sends unauthenticated requests.
	TokenSource oauth2.TokenSource

	// Timeout bounds each request. Zero means 15s.
	Timeout time.Duration

	// RatePerSecond and Burst throttle outgoing requests. Zero RatePerSecond
	// disables throttling.
	RatePerSecond float64
	Burst         int

	// MaxListBytes bounds the body of a list response. Zero means
	// DefaultMaxListBytes.
	MaxListBytes int64

	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

// Client implements Store over HTTP.
type Client struct {
	base         *url.URL
	http         *http.Client
	limiter      *rate.Limiter
	maxListBytes int64
}

var _ Store = (*Client)(nil)

// NewClient builds a client from opts.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid notes API URL %q", opts.BaseURL)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.TokenSource != nil {
		transport = &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, opts.TokenSource),
			Base:   transport,
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	maxList := opts.MaxListBytes
	if maxList <= 0 {
		maxList = DefaultMaxListBytes
	}

	return &Client{
		base:         base,
		http:         &http.Client{Transport: transport, Timeout: timeout},
		limiter:      limiter,
		maxListBytes: maxList,
	}, nil
}

// StaticToken returns a token source for a fixed bearer token.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

func (c *Client) Create(ctx context.Context, input notes.NoteInput) (notes.Note, error) {
	var w WireNote
	if err := c.do(ctx, http.MethodPost, "", nil, input, &w, maxNoteResponseBytes); err != nil {
		return notes.Note{}, err
	}
	return checked(w)
}

func (c *Client) Update(ctx context.Context, id int64, patch notes.NotePatch) (notes.Note, error) {
	var w WireNote
	if err := c.do(ctx, http.MethodPut, noteIDPath(id), nil, patch, &w, maxNoteResponseBytes); err != nil {
		return notes.Note{}, err
	}
	return checked(w)
}

func (c *Client) Delete(ctx context.Context, id int64, permanent bool) error {
	var query url.Values
	if permanent {
		query = url.Values{"permanent": []string{"true"}}
	}
	return c.do(ctx, http.MethodDelete, noteIDPath(id), query, nil, nil, maxNoteResponseBytes)
}

func (c *Client) List(ctx context.Context) ([]notes.Note, error) {
	var list []WireNote
	if err := c.do(ctx, http.MethodGet, "", nil, nil, &list, c.maxListBytes); err != nil {
		return nil, err
	}
	out := make([]notes.Note, 0, len(list))
	for _, w := range list {
		n, err := checked(w)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, id int64) (notes.Note, error) {
	var w WireNote
	if err := c.do(ctx, http.MethodGet, noteIDPath(id), nil, nil, &w, maxNoteResponseBytes); err != nil {
		return notes.Note{}, err
	}
	return checked(w)
}

func checked(w WireNote) (notes.Note, error) {
	if w.ID <= 0 {
		return notes.Note{}, errs.New(errs.ServerError, fmt.Sprintf("notes API returned invalid id %d", w.ID))
	}
	return w.Note(), nil
}

func noteIDPath(id int64) string {
	return "/" + strconv.FormatInt(id, 10)
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/api/notes" + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends one request and decodes the envelope's data into out. A body
// longer than limit bytes fails with ErrResponseTooLarge.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, limit int64) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.Wrap(errs.Unavailable, "request throttled", err)
		}
	}

	var payload []byte
	var reader io.Reader
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.InvalidArgument, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return errs.Wrap(errs.Internal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := IdempotencyKeyFrom(ctx); key != "" && method != http.MethodGet {
		req.Header.Set(IdempotencyHeader, key)
	}

	logger := obs.From(ctx).With("pkg", "remote")
	logger.Debug("notes_api_request",
		"method", method,
		"url", logutil.RedactURL(req.URL.String()),
		"headers", logutil.FormatHeadersForLog(req.Header),
		"body", logutil.FormatBodyForLog("application/json", payload, maxLogBodyBytes, false),
	)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return errs.Wrap(errs.Unauthorized, "obtain access token", err)
		}
		logger.Debug("notes_api_unreachable", "method", method, "error", err)
		return errs.Wrap(errs.Unavailable, "notes API unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return errs.Wrap(errs.Unavailable, "read response", err)
	}
	if int64(len(raw)) > limit {
		logger.Warn("notes_api_response_too_large", "method", method, "status", resp.StatusCode, "limit", limit)
		return errs.Wrap(errs.ServerError,
			fmt.Sprintf("notes API response exceeds %d bytes", limit), ErrResponseTooLarge)
	}
	logger.Debug("notes_api_response",
		"method", method,
		"status", resp.StatusCode,
		"dur_ms", float64(time.Since(start).Microseconds())/1000.0,
		"body", logutil.FormatBodyForLog(resp.Header.Get("Content-Type"), raw, maxLogBodyBytes, false),
	)

	var env Envelope[json.RawMessage]
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 400 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = fmt.Sprintf("notes API returned %d", resp.StatusCode)
		}
		return errs.New(errs.FromHTTPStatus(resp.StatusCode), msg)
	}
	if decodeErr != nil {
		return errs.Wrap(errs.ServerError, "decode response", decodeErr)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "notes API reported failure"
		}
		return errs.New(errs.ServerError, msg)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.Wrap(errs.ServerError, "decode note payload", err)
	}
	return nil
}
