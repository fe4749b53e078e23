// Package session holds the dashboard's single viewing session: which mode it
// is in, whether a credential is held, and the sequence/epoch counters the
// refresh pipeline uses to discard stale results.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"hivewatch/core-go/internal/metrics"
	"hivewatch/core-go/internal/oidc"
)

type Mode string

const (
	Public  Mode = "public"
	Private Mode = "private"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Public:
		return Public, nil
	case Private:
		return Private, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Transition reasons.
const (
	ReasonSelected     = "selected"
	ReasonAuthorized   = "authorized"
	ReasonResumed      = "resumed"
	ReasonUnauthorized = "unauthorized"
	ReasonLogout       = "logout"
)

// Status messages surfaced to the dashboard.
const (
	StatusAnonymous      = "Not signed in"
	StatusExchanging     = "Exchanging code..."
	StatusAuthenticated  = "Authenticated"
	StatusExchangeFailed = "Token exchange failed. Reverting to public mode."
	StatusExpired        = "Session expired"
)

// ErrNoProvider means private mode was requested but no identity provider is
// configured.
var ErrNoProvider = errors.New("no identity provider configured")

// ErrStateMismatch means a callback arrived without a matching pending intent.
var ErrStateMismatch = fmt.Errorf("%w: state does not match a pending authorization", oidc.ErrExchange)

// Authorizer is the identity-provider side of the login flow.
type Authorizer interface {
	AuthorizeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

// Transition describes one mode change.
type Transition struct {
	From   Mode
	To     Mode
	Reason string
	Epoch  uint64
}

// Observation is a point-in-time view of the session.
type Observation struct {
	Mode          Mode
	Epoch         uint64
	Credential    string
	HasCredential bool
	Status        string
}

// SelectResult reports the outcome of a mode selection. When AuthorizeURL is
// set the mode did not change and the caller must send the user there.
type SelectResult struct {
	Mode         Mode
	Transitioned bool
	AuthorizeURL string
}

// Controller is the public/private state machine.
type Controller struct {
	log     zerolog.Logger
	store   Store
	auth    Authorizer
	metrics *metrics.Metrics

	mu        sync.Mutex
	mode      Mode
	epoch     uint64
	status    string
	listeners []func(Transition)

	// credMu serialises credential writes so a rejection of one credential
	// cannot clear a newer one stored concurrently.
	credMu sync.Mutex

	seq atomic.Uint64
}

func NewController(log zerolog.Logger, store Store, auth Authorizer, m *metrics.Metrics) *Controller {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Controller{
		log:     log.With().Str("component", "session").Logger(),
		store:   store,
		auth:    auth,
		metrics: m,
		mode:    Public,
		status:  StatusAnonymous,
	}
}

// OnTransition registers fn to run after every mode change. Listeners run
// outside the controller lock, in registration order.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Resume settles the initial mode. A pending private intent is consumed here
// whether or not it can be honoured, so a failed login cannot loop.
func (c *Controller) Resume(ctx context.Context) error {
	intent, ok, err := c.store.ConsumeIntent(ctx)
	if err != nil {
		return err
	}
	cred, err := c.store.Credential(ctx)
	if err != nil {
		return err
	}
	if cred != "" {
		c.setStatus(StatusAuthenticated)
	}
	if !ok || intent.Mode != Private {
		return nil
	}
	if cred == "" {
		c.log.Info().Msg("resume intent found without credential; staying public")
		return nil
	}
	c.transition(Private, ReasonResumed)
	return nil
}

// Observe snapshots mode, epoch, credential and status.
func (c *Controller) Observe(ctx context.Context) (Observation, error) {
	cred, err := c.store.Credential(ctx)
	if err != nil {
		return Observation{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Observation{
		Mode:          c.mode,
		Epoch:         c.epoch,
		Credential:    cred,
		HasCredential: cred != "",
		Status:        c.status,
	}, nil
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// NextSeq hands out the monotonic run sequence number.
func (c *Controller) NextSeq() uint64 {
	return c.seq.Add(1)
}

// WithinEpoch runs fn under the controller lock if epoch is still current,
// so no transition can interleave with fn.
func (c *Controller) WithinEpoch(epoch uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	fn()
	return true
}

// Select handles the user's mode selector. Choosing private without a
// credential leaves the mode alone and starts the authorization flow.
func (c *Controller) Select(ctx context.Context, mode Mode) (SelectResult, error) {
	switch mode {
	case Public:
		changed := c.transition(Public, ReasonSelected)
		return SelectResult{Mode: Public, Transitioned: changed}, nil
	case Private:
		cred, err := c.store.Credential(ctx)
		if err != nil {
			return SelectResult{}, err
		}
		if cred == "" {
			u, err := c.BeginAuthorization(ctx)
			if err != nil {
				return SelectResult{}, err
			}
			return SelectResult{Mode: c.Mode(), AuthorizeURL: u}, nil
		}
		changed := c.transition(Private, ReasonSelected)
		return SelectResult{Mode: Private, Transitioned: changed}, nil
	default:
		return SelectResult{}, fmt.Errorf("unknown mode %q", mode)
	}
}

// BeginAuthorization records the private intent and returns the provider URL.
func (c *Controller) BeginAuthorization(ctx context.Context) (string, error) {
	if c.auth == nil {
		return "", ErrNoProvider
	}
	state := oidc.NewState()
	if err := c.store.SetIntent(ctx, Intent{Mode: Private, State: state}); err != nil {
		return "", err
	}
	return c.auth.AuthorizeURL(state), nil
}

// CompleteAuthorization handles the provider callback. The pending intent is
// consumed up front; on any failure no credential is stored and the mode is
// left alone.
func (c *Controller) CompleteAuthorization(ctx context.Context, code, state string) error {
	c.setStatus(StatusExchanging)

	intent, ok, err := c.store.ConsumeIntent(ctx)
	if err != nil {
		c.setStatus(StatusExchangeFailed)
		return err
	}
	if !ok || intent.State == "" || intent.State != state {
		c.setStatus(StatusExchangeFailed)
		c.metrics.IncAuthExchange("state_mismatch")
		return ErrStateMismatch
	}
	if c.auth == nil {
		c.setStatus(StatusExchangeFailed)
		return ErrNoProvider
	}

	cred, err := c.auth.Exchange(ctx, code)
	if err != nil {
		c.setStatus(StatusExchangeFailed)
		c.metrics.IncAuthExchange("failed")
		c.log.Warn().Err(err).Msg("authorization exchange failed; resume intent cleared")
		return err
	}
	c.credMu.Lock()
	err = c.store.SetCredential(ctx, cred)
	c.credMu.Unlock()
	if err != nil {
		c.setStatus(StatusExchangeFailed)
		c.metrics.IncAuthExchange("failed")
		return err
	}

	c.metrics.IncAuthExchange("ok")
	c.setStatus(StatusAuthenticated)
	if intent.Mode == Private {
		c.transition(Private, ReasonAuthorized)
	}
	return nil
}

// Unauthorized forces Private -> Public and discards credential after the
// backend rejected it. It is ignored when epoch is no longer current, or when
// credential has since been replaced by a fresh sign-in: a run that started
// earlier does not get to undo either.
func (c *Controller) Unauthorized(ctx context.Context, epoch uint64, credential string) error {
	c.mu.Lock()
	stale := c.epoch != epoch
	c.mu.Unlock()
	if stale {
		return nil
	}

	c.credMu.Lock()
	current, err := c.store.Credential(ctx)
	if err != nil {
		c.credMu.Unlock()
		return err
	}
	if current != credential {
		c.credMu.Unlock()
		c.log.Info().Uint64("epoch", epoch).Msg("ignoring rejection of a replaced credential")
		return nil
	}
	if err := c.store.ClearCredential(ctx); err != nil {
		c.log.Error().Err(err).Msg("failed to discard rejected credential")
	}
	c.credMu.Unlock()

	c.setStatus(StatusExpired)
	c.transition(Public, ReasonUnauthorized)
	return nil
}

// Logout discards the credential and any pending intent.
func (c *Controller) Logout(ctx context.Context) error {
	c.credMu.Lock()
	err := c.store.ClearCredential(ctx)
	c.credMu.Unlock()
	if err != nil {
		return err
	}
	if err := c.store.ClearIntent(ctx); err != nil {
		return err
	}
	c.setStatus(StatusAnonymous)
	c.transition(Public, ReasonLogout)
	return nil
}

func (c *Controller) setStatus(status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// transition moves to mode, bumps the epoch and notifies listeners. It
// reports false when already in mode.
func (c *Controller) transition(to Mode, reason string) bool {
	c.mu.Lock()
	from := c.mode
	if from == to {
		c.mu.Unlock()
		return false
	}
	c.mode = to
	c.epoch++
	t := Transition{From: from, To: to, Reason: reason, Epoch: c.epoch}
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	c.log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Uint64("epoch", t.Epoch).
		Msg("mode transition")
	c.metrics.IncModeTransition(string(from), string(to), reason)

	for _, fn := range listeners {
		fn(t)
	}
	return true
}
