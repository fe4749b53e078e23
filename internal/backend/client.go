package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"hivewatch/core-go/internal/hive"
)

// Request names understood by the backend's single API endpoint.
const (
	RequestMap         = "get_map"
	RequestHeuristics  = "get_heuristics"
	RequestUserModules = "get_user_modules"
)

const maxBodyBytes = 16 << 20

// Client fetches the hive feeds from the backend REST API.
type Client struct {
	log     zerolog.Logger
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

type Options struct {
	BaseURL           string
	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

func New(log zerolog.Logger, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 4
	}

	return &Client{
		log:     log.With().Str("component", "backend").Logger(),
		baseURL: u,
		http:    hc,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// FetchPublic fetches topology and heuristics concurrently. Either failing
// fails the whole call; no partial data is returned.
func (c *Client) FetchPublic(ctx context.Context) (hive.PublicData, error) {
	var data hive.PublicData

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		nodes, err := c.FetchTopology(gctx)
		if err != nil {
			return err
		}
		data.Nodes = nodes
		return nil
	})
	g.Go(func() error {
		heuristics, err := c.FetchHeuristics(gctx)
		if err != nil {
			return err
		}
		data.Heuristics = heuristics
		return nil
	})
	if err := g.Wait(); err != nil {
		return hive.PublicData{}, err
	}
	return data, nil
}

func (c *Client) FetchTopology(ctx context.Context) ([]hive.TopologyNode, error) {
	fields, err := c.get(ctx, RequestMap, "")
	if err != nil {
		return nil, err
	}
	var nodes []hive.TopologyNode
	if err := decodeCollection(fields, "results", &nodes); err != nil {
		return nil, &Error{Op: RequestMap, Kind: ErrMalformed, Err: err}
	}
	return nodes, nil
}

func (c *Client) FetchHeuristics(ctx context.Context) ([]hive.HeuristicRecord, error) {
	fields, err := c.get(ctx, RequestHeuristics, "")
	if err != nil {
		return nil, err
	}
	var heuristics []hive.HeuristicRecord
	if err := decodeCollection(fields, "results", &heuristics); err != nil {
		return nil, &Error{Op: RequestHeuristics, Kind: ErrMalformed, Err: err}
	}
	return heuristics, nil
}

// FetchOwned fetches the modules owned by the holder of credential. The
// backend either embeds heuristic fields in each module or returns a separate
// heuristics collection; both are carried in the result.
func (c *Client) FetchOwned(ctx context.Context, credential string) (hive.OwnedData, error) {
	if strings.TrimSpace(credential) == "" {
		return hive.OwnedData{}, &Error{Op: RequestUserModules, Kind: ErrAuthExpired, Err: errors.New("no credential")}
	}

	fields, err := c.get(ctx, RequestUserModules, credential)
	if err != nil {
		return hive.OwnedData{}, err
	}

	var data hive.OwnedData
	if err := decodeCollection(fields, "modules", &data.Modules); err != nil {
		return hive.OwnedData{}, &Error{Op: RequestUserModules, Kind: ErrMalformed, Err: err}
	}
	if raw, ok := fields["heuristics"]; ok && !isNull(raw) {
		if err := decodeCollection(fields, "heuristics", &data.Heuristics); err != nil {
			return hive.OwnedData{}, &Error{Op: RequestUserModules, Kind: ErrMalformed, Err: err}
		}
		data.Separate = true
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, request, credential string) (map[string]json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: request, Kind: ErrNetwork, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.baseURL
	q := u.Query()
	q.Set("request", request)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{Op: request, Kind: ErrNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: request, Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("request", request).
		Int("status", resp.StatusCode).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("backend_request")

	if resp.StatusCode == http.StatusUnauthorized && credential != "" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &Error{Op: request, Status: resp.StatusCode, Kind: ErrAuthExpired}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &Error{Op: request, Status: resp.StatusCode, Kind: ErrNetwork}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Op: request, Status: resp.StatusCode, Kind: ErrNetwork, Err: err}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &Error{Op: request, Status: resp.StatusCode, Kind: ErrMalformed, Err: err}
	}
	if fields == nil {
		return nil, &Error{Op: request, Status: resp.StatusCode, Kind: ErrMalformed, Err: errors.New("response body is null")}
	}
	return fields, nil
}

// decodeCollection decodes fields[key] into dst. An absent or null key leaves
// dst empty; a present key that is not an array is an error.
func decodeCollection(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return fmt.Errorf("%q is not an array", key)
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
