// Package refresh runs the fetch, reconcile and commit pipeline on a timer,
// on demand, and whenever the session changes mode.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hivewatch/core-go/internal/backend"
	"hivewatch/core-go/internal/hive"
	"hivewatch/core-go/internal/metrics"
	"hivewatch/core-go/internal/session"
	"hivewatch/core-go/internal/view"
)

// Source is the backend the scheduler reads from. *backend.Client satisfies it.
type Source interface {
	FetchPublic(ctx context.Context) (hive.PublicData, error)
	FetchOwned(ctx context.Context, credential string) (hive.OwnedData, error)
}

// Session is the slice of *session.Controller the scheduler depends on.
type Session interface {
	Observe(ctx context.Context) (session.Observation, error)
	NextSeq() uint64
	WithinEpoch(epoch uint64, fn func()) bool
	Unauthorized(ctx context.Context, epoch uint64, credential string) error
	OnTransition(fn func(session.Transition))
}

// Sink receives completed runs. *view.Store satisfies it.
type Sink interface {
	Commit(snap view.Snapshot) bool
	CommitError(seq, epoch uint64, mode string, err error) bool
}

type Outcome string

const (
	OutcomeCommitted   Outcome = "committed"
	OutcomeStale       Outcome = "stale"
	OutcomeFailed      Outcome = "failed"
	OutcomeAuthExpired Outcome = "auth_expired"
)

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("refresh scheduler already started")

type Options struct {
	Interval   time.Duration
	RunTimeout time.Duration
}

// Scheduler triggers reconciliation runs. Runs may overlap; ordering is
// enforced at commit time, not by serialising fetches.
type Scheduler struct {
	log        zerolog.Logger
	source     Source
	session    Session
	sink       Sink
	interval   time.Duration
	runTimeout time.Duration
	metrics    *metrics.Metrics

	trigger chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runs   sync.WaitGroup
}

func New(log zerolog.Logger, src Source, sess Session, sink Sink, opts Options, m *metrics.Metrics) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 25 * time.Second
	}
	s := &Scheduler{
		log:        log.With().Str("component", "refresh").Logger(),
		source:     src,
		session:    sess,
		sink:       sink,
		interval:   interval,
		runTimeout: runTimeout,
		metrics:    m,
		trigger:    make(chan struct{}, 1),
	}
	// Entering a mode always renders that mode's data right away.
	sess.OnTransition(func(session.Transition) { s.Trigger() })
	return s
}

// Start runs once immediately and then on every tick or trigger until Stop
// is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	return nil
}

// Stop halts the timer and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.runs.Wait()
}

// Trigger requests a run as soon as possible. Requests arriving while one is
// already pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.spawn(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.spawn(ctx)
		case <-s.trigger:
			s.spawn(ctx)
		}
	}
}

func (s *Scheduler) spawn(ctx context.Context) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.RunOnce(ctx)
	}()
}

// RunOnce performs one fetch, reconcile and commit cycle for the session's
// current mode. The result is committed only if no mode transition happened
// while it was in flight and no later run has committed first.
func (s *Scheduler) RunOnce(ctx context.Context) Outcome {
	started := time.Now()
	seq := s.session.NextSeq()

	obs, err := s.session.Observe(ctx)
	if err != nil {
		s.log.Error().Err(err).Uint64("seq", seq).Msg("failed to read session")
		s.metrics.ObserveRefreshRun("unknown", string(OutcomeFailed), time.Since(started))
		return OutcomeFailed
	}
	mode := string(obs.Mode)
	log := s.log.With().Uint64("seq", seq).Uint64("epoch", obs.Epoch).Str("mode", mode).Logger()

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	snap, err := s.fetch(runCtx, obs)
	snap.Seq, snap.Epoch, snap.Mode = seq, obs.Epoch, mode

	var outcome Outcome
	switch {
	case errors.Is(err, backend.ErrAuthExpired):
		log.Warn().Err(err).Msg("credential rejected; reverting to public mode")
		if uerr := s.session.Unauthorized(ctx, obs.Epoch, obs.Credential); uerr != nil {
			log.Error().Err(uerr).Msg("failed to revert session")
		}
		outcome = OutcomeAuthExpired
	case err != nil:
		if ctx.Err() != nil {
			// Shutting down; nothing to report.
			return OutcomeFailed
		}
		log.Warn().Err(err).Msg("refresh failed")
		outcome = OutcomeFailed
		committed := s.commit(obs.Epoch, func() bool { return s.sink.CommitError(seq, obs.Epoch, mode, err) })
		s.metrics.IncViewCommit(committed)
	default:
		if s.commit(obs.Epoch, func() bool { return s.sink.Commit(snap) }) {
			outcome = OutcomeCommitted
			log.Debug().Int("records", len(snap.Records)).Int("edges", len(snap.Edges)).Msg("view committed")
		} else {
			outcome = OutcomeStale
			log.Debug().Msg("discarding stale run")
		}
		s.metrics.IncViewCommit(outcome == OutcomeCommitted)
	}

	s.metrics.ObserveRefreshRun(mode, string(outcome), time.Since(started))
	return outcome
}

func (s *Scheduler) commit(epoch uint64, fn func() bool) bool {
	var accepted bool
	current := s.session.WithinEpoch(epoch, func() { accepted = fn() })
	return current && accepted
}

func (s *Scheduler) fetch(ctx context.Context, obs session.Observation) (view.Snapshot, error) {
	if obs.Mode == session.Private {
		owned, err := s.source.FetchOwned(ctx, obs.Credential)
		if err != nil {
			return view.Snapshot{}, err
		}
		// Private mode shows the user's modules only; connection lines are
		// a property of the public topology.
		return view.Snapshot{Records: hive.JoinPrivate(owned)}, nil
	}

	data, err := s.source.FetchPublic(ctx)
	if err != nil {
		return view.Snapshot{}, err
	}
	return view.Snapshot{
		Records: hive.JoinPublic(data.Nodes, data.Heuristics),
		Edges:   hive.BuildEdges(data.Nodes),
	}, nil
}
