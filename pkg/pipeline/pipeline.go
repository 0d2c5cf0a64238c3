// Package pipeline runs refresh cycles: resolve the roster, fetch everything
// from Codeforces, and publish the result as one snapshot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elonfeng/cforg/internal/metrics"
	"github.com/elonfeng/cforg/internal/store"
	"github.com/elonfeng/cforg/pkg/alert"
	"github.com/elonfeng/cforg/pkg/pool"
	"github.com/elonfeng/cforg/pkg/source"
	"github.com/elonfeng/cforg/pkg/stats"
)

// ErrCycleInProgress is returned when RunCycle is called during another cycle.
var ErrCycleInProgress = errors.New("refresh cycle already in progress")

// State of the pipeline.
type State int32

const (
	StateIdle State = iota
	StateRosterResolving
	StateFetching
	StateCommitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRosterResolving:
		return "roster_resolving"
	case StateFetching:
		return "fetching"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Source fetches Codeforces data. *source.Client implements it.
type Source interface {
	MemberInfo(ctx context.Context, handle string) (source.Member, error)
	MemberContests(ctx context.Context, handle string) ([]source.Participation, error)
	MemberSolved(ctx context.Context, handle string) ([]source.Solve, error)
	AllContests(ctx context.Context) ([]source.Contest, error)
	AllProblems(ctx context.Context) ([]source.Problem, error)
	OrganizationInfo(ctx context.Context) (*source.Organization, error)
}

// Roster resolves member handles. *source.Directory implements it.
type Roster interface {
	Resolve(ctx context.Context) ([]string, error)
}

// Publisher swaps in a new snapshot. *store.SQLiteStore implements it.
type Publisher interface {
	ReplaceAll(ctx context.Context, snap *store.Snapshot) error
}

// Notifier receives cycle outcomes. *alert.Manager implements it.
type Notifier interface {
	Broadcast(ctx context.Context, n *alert.Notification) error
}

// Options configures a Pipeline.
type Options struct {
	Organization string
	// Location is the zone last_update_time is written in.
	Location      *time.Location
	Pool          *pool.Pool
	Metrics       *metrics.Metrics
	Alerts        Notifier
	NotifySuccess bool
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	State        string    `json:"state"`
	LastCycleID  string    `json:"last_cycle_id,omitempty"`
	LastOutcome  string    `json:"last_outcome,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
}

// Pipeline orchestrates refresh cycles. At most one cycle runs at a time.
type Pipeline struct {
	src     Source
	roster  Roster
	pub     Publisher
	opts    Options
	now     func() time.Time
	logger  zerolog.Logger
	state   atomic.Int32
	running atomic.Bool

	mu   sync.Mutex
	last Status
}

// New creates a Pipeline.
func New(src Source, roster Roster, pub Publisher, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Pool == nil {
		opts.Pool = pool.New(pool.DefaultSize, opts.Metrics)
	}
	return &Pipeline{
		src:    src,
		roster: roster,
		pub:    pub,
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// State returns the current state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Status returns the current state and the outcome of the last cycle.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.last
	st.State = p.State().String()
	return st
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

// RunCycle performs one full refresh. On any failure the published snapshot
// is left untouched and the error is returned; the pipeline goes back to idle
// either way.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer p.running.Store(false)
	defer p.setState(StateIdle)

	id := uuid.NewString()
	log := p.logger.With().Str("cycle_id", id).Logger()
	started := p.now()
	log.Info().Msg("refresh cycle started")

	snap, err := p.collect(ctx, log)
	if err == nil {
		p.setState(StateCommitting)
		snap.UpdatedAt = p.now().In(p.opts.Location)
		snap.CycleID = id
		if err = p.pub.ReplaceAll(ctx, snap); err != nil {
			err = fmt.Errorf("commit snapshot: %w", err)
		}
	}
	finished := p.now()

	n := &alert.Notification{
		CycleID:      id,
		Organization: p.opts.Organization,
		StartedAt:    started,
		FinishedAt:   finished,
	}

	if err != nil {
		p.setState(StateFailed)
		p.opts.Metrics.ObserveCycle(metrics.OutcomeFailed, finished.Sub(started))
		log.Error().Err(err).Dur("took", finished.Sub(started)).Msg("refresh cycle failed")
		p.record(id, alert.OutcomeFailed, err, finished)

		n.Outcome = alert.OutcomeFailed
		n.Error = err.Error()
		p.notify(ctx, log, n)
		return fmt.Errorf("cycle %s: %w", id, err)
	}

	p.opts.Metrics.ObserveCycle(metrics.OutcomeCommitted, finished.Sub(started))
	p.opts.Metrics.SnapshotRows(map[string]int{
		"members":        len(snap.Members),
		"contests":       len(snap.Contests),
		"participations": len(snap.Participations),
		"problems":       len(snap.Problems),
		"solved":         len(snap.Solves),
		"solve_counts":   len(snap.SolveCounts),
	})
	log.Info().
		Int("members", len(snap.Members)).
		Int("contests", len(snap.Contests)).
		Int("participations", len(snap.Participations)).
		Int("problems", len(snap.Problems)).
		Int("solves", len(snap.Solves)).
		Dur("took", finished.Sub(started)).
		Msg("refresh cycle committed")
	p.record(id, alert.OutcomeCommitted, nil, finished)

	if p.opts.NotifySuccess {
		n.Outcome = alert.OutcomeCommitted
		n.Members = len(snap.Members)
		n.Participations = len(snap.Participations)
		n.Solves = len(snap.Solves)
		p.notify(ctx, log, n)
	}
	return nil
}

// collect fetches everything a snapshot needs. It never writes.
func (p *Pipeline) collect(ctx context.Context, log zerolog.Logger) (*store.Snapshot, error) {
	p.setState(StateRosterResolving)
	handles, err := p.roster.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve roster: %w", err)
	}
	log.Info().Int("handles", len(handles)).Msg("roster resolved")

	p.setState(StateFetching)
	org, err := p.src.OrganizationInfo(ctx)
	switch {
	case errors.Is(err, source.ErrNotListed):
		log.Warn().Err(err).Msg("organization ratings unavailable")
		org = nil
	case err != nil:
		return nil, fmt.Errorf("fetch organization: %w", err)
	}

	contests, err := p.src.AllContests(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch contests: %w", err)
	}
	problems, err := p.src.AllProblems(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch problems: %w", err)
	}

	// Batches run one after another so the pool size alone bounds
	// concurrent upstream requests.
	members, err := pool.Map(ctx, p.opts.Pool, handles, p.src.MemberInfo)
	if err != nil {
		return nil, fmt.Errorf("fetch member info: %w", err)
	}
	log.Debug().Int("members", len(members)).Msg("member info fetched")

	participations, err := pool.Map(ctx, p.opts.Pool, handles, p.src.MemberContests)
	if err != nil {
		return nil, fmt.Errorf("fetch member contests: %w", err)
	}
	log.Debug().Msg("member contests fetched")

	solved, err := pool.Map(ctx, p.opts.Pool, handles, p.src.MemberSolved)
	if err != nil {
		return nil, fmt.Errorf("fetch member solves: %w", err)
	}
	log.Debug().Msg("member solves fetched")

	snap := &store.Snapshot{
		Organization:   org,
		Members:        members,
		Contests:       contests,
		Participations: flatten(participations),
		Problems:       problems,
		Solves:         flatten(solved),
	}
	snap.SolveCounts = stats.CountSolves(snap.Solves)
	return snap, nil
}

func (p *Pipeline) record(id string, outcome alert.Outcome, err error, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = Status{
		LastCycleID:  id,
		LastOutcome:  string(outcome),
		LastFinished: at,
	}
	if err != nil {
		p.last.LastError = err.Error()
	}
}

// notify never fails the cycle.
func (p *Pipeline) notify(ctx context.Context, log zerolog.Logger, n *alert.Notification) {
	if p.opts.Alerts == nil {
		return
	}
	// The cycle context may already be cancelled on shutdown.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.opts.Alerts.Broadcast(nctx, n); err != nil {
		log.Warn().Err(err).Msg("cycle notification failed")
	}
}

func flatten[T any](groups [][]T) []T {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	out := make([]T, 0, n)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
