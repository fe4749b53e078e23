// Package view holds the committed dashboard view and fans it out to
// websocket clients and the snapshot archive.
package view

import (
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"

	"hivewatch/core-go/internal/hive"
)

// Snapshot is one committed, renderable view. Records and edges always
// replace the previous snapshot's; they are never merged.
type Snapshot struct {
	Seq       uint64                     `json:"seq"`
	Epoch     uint64                     `json:"epoch"`
	Mode      string                     `json:"mode"`
	Records   []hive.ViewRecord          `json:"records"`
	Edges     []hive.Edge                `json:"edges"`
	Lines     *geojson.FeatureCollection `json:"lines"`
	Summary   hive.Summary               `json:"summary"`
	Error     string                     `json:"error,omitempty"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Store is the single committed view. Commits carrying a sequence number
// lower than the last committed one are rejected.
type Store struct {
	mu        sync.Mutex
	current   Snapshot
	committed bool
	listeners []func(Snapshot)
	now       func() time.Time
}

func NewStore() *Store {
	s := &Store{now: time.Now}
	s.current = s.finish(Snapshot{Mode: "public"})
	return s
}

// Subscribe registers fn to receive every committed snapshot. fn runs while
// the store lock is held and must not block or call back into the store.
func (s *Store) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Commit replaces the view with snap's records and edges. Derived fields
// (lines, summary, timestamp) are computed here and any error banner is
// cleared. It reports whether snap was accepted.
func (s *Store) Commit(snap Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptsLocked(snap.Seq) {
		return false
	}
	snap.Error = ""
	s.publishLocked(s.finish(snap))
	return true
}

// CommitError raises an error banner for the run seq. The current records
// stay visible unless they belong to an earlier epoch, in which case they
// are dropped so a previous mode's data is not shown under the new one.
func (s *Store) CommitError(seq, epoch uint64, mode string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptsLocked(seq) {
		return false
	}
	snap := s.current
	if snap.Epoch != epoch || snap.Mode != mode {
		snap.Records = nil
		snap.Edges = nil
	}
	snap.Seq = seq
	snap.Epoch = epoch
	snap.Mode = mode
	snap.Error = "Failed to refresh data."
	if err != nil {
		snap.Error = "Failed to refresh data: " + err.Error()
	}
	s.publishLocked(s.finish(snap))
	return true
}

// Current returns the last committed snapshot.
func (s *Store) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Store) acceptsLocked(seq uint64) bool {
	return !s.committed || seq >= s.current.Seq
}

func (s *Store) publishLocked(snap Snapshot) {
	s.current = snap
	s.committed = true
	for _, fn := range s.listeners {
		fn(snap)
	}
}

func (s *Store) finish(snap Snapshot) Snapshot {
	if snap.Records == nil {
		snap.Records = []hive.ViewRecord{}
	}
	if snap.Edges == nil {
		snap.Edges = []hive.Edge{}
	}
	snap.Lines = hive.EdgeFeatures(snap.Edges)
	snap.Summary = hive.Summarize(snap.Records)
	snap.UpdatedAt = s.now().UTC()
	return snap
}
