package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/cforg/internal/store"
	"github.com/elonfeng/cforg/pkg/alert"
	"github.com/elonfeng/cforg/pkg/source"
)

type fakeSource struct {
	failSolvedFor string
	orgErr        error
	// block, when set, holds MemberInfo until closed.
	block chan struct{}
}

func (f *fakeSource) MemberInfo(ctx context.Context, handle string) (source.Member, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return source.Member{}, ctx.Err()
		}
	}
	return source.Member{Handle: handle, Rating: 1500, MaxRating: 1600, Rank: "specialist"}, nil
}

func (f *fakeSource) MemberContests(_ context.Context, handle string) ([]source.Participation, error) {
	return []source.Participation{{
		Handle: handle, ContestID: 1, Rank: 10, OldRating: 1400, NewRating: 1500,
		RatingUpdateTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}}, nil
}

func (f *fakeSource) MemberSolved(_ context.Context, handle string) ([]source.Solve, error) {
	if handle == f.failSolvedFor {
		return nil, fmt.Errorf("user.status %s: %w", handle, source.ErrRetriesExhausted)
	}
	return []source.Solve{{
		Handle: handle, ContestID: 1, Index: "A", Rating: 800,
		Tags: source.TagList{"math"}, Language: "Go",
		SolvedTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}}, nil
}

func (f *fakeSource) AllContests(context.Context) ([]source.Contest, error) {
	return []source.Contest{{ID: 1, Name: "Round 1", StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), DurationSeconds: 7200}}, nil
}

func (f *fakeSource) AllProblems(context.Context) ([]source.Problem, error) {
	return []source.Problem{{ContestID: 1, Index: "A", Name: "Sum", Rating: 800, Tags: source.TagList{"math"}}}, nil
}

func (f *fakeSource) OrganizationInfo(context.Context) (*source.Organization, error) {
	if f.orgErr != nil {
		return nil, f.orgErr
	}
	return &source.Organization{ID: "42", Name: "Test University", GlobalRank: 17, Rating: 1876, NumberOfUsers: 318}, nil
}

type fakeRoster struct {
	handles []string
	err     error
}

func (f fakeRoster) Resolve(context.Context) ([]string, error) {
	return f.handles, f.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*alert.Notification
}

func (r *recordingNotifier) Broadcast(_ context.Context, n *alert.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return errors.New("webhook down")
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "cforg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRunCycle_Commits(t *testing.T) {
	st := newStore(t)
	ist := time.FixedZone("IST", 5*3600+1800)
	notifier := &recordingNotifier{}

	p := New(&fakeSource{}, fakeRoster{handles: []string{"alice", "bob"}}, st, Options{
		Organization:  "42",
		Location:      ist,
		Alerts:        notifier,
		NotifySuccess: true,
	}, zerolog.Nop())
	p.now = func() time.Time { return time.Date(2024, 3, 13, 6, 0, 0, 0, time.UTC) }

	require.NoError(t, p.RunCycle(context.Background()))

	meta, err := st.ReadMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-03-13T11:30:00+05:30", meta.LastUpdateTime)
	assert.NotEmpty(t, meta.LastCycleID)

	counts, err := st.RowCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts["members"])
	assert.Equal(t, 2, counts["participations"])
	assert.Equal(t, 2, counts["solved"])

	org, err := st.GetOrganization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 17, org.GlobalRank)
	assert.Equal(t, 318, org.NumberOfUsers)

	status := p.Status()
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, string(alert.OutcomeCommitted), status.LastOutcome)
	assert.Equal(t, meta.LastCycleID, status.LastCycleID)

	// A failing notifier does not fail the cycle.
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, alert.OutcomeCommitted, notifier.sent[0].Outcome)
	assert.Equal(t, 2, notifier.sent[0].Members)
}

func TestRunCycle_FailureLeavesSnapshotUntouched(t *testing.T) {
	st := newStore(t)
	notifier := &recordingNotifier{}

	p := New(&fakeSource{failSolvedFor: "bob"}, fakeRoster{handles: []string{"alice", "bob", "carol"}}, st, Options{
		Alerts: notifier,
	}, zerolog.Nop())

	err := p.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrRetriesExhausted)

	meta, err := st.ReadMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.NoUpdate, meta.LastUpdateTime)

	counts, err := st.RowCounts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts["members"])

	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, string(alert.OutcomeFailed), p.Status().LastOutcome)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, alert.OutcomeFailed, notifier.sent[0].Outcome)
	assert.Contains(t, notifier.sent[0].Error, "bob")
}

func TestRunCycle_FailureKeepsPreviousSnapshot(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	good := New(&fakeSource{}, fakeRoster{handles: []string{"alice"}}, st, Options{}, zerolog.Nop())
	require.NoError(t, good.RunCycle(ctx))
	before, err := st.ReadMetadata(ctx)
	require.NoError(t, err)

	bad := New(&fakeSource{}, fakeRoster{err: source.ErrMalformed}, st, Options{}, zerolog.Nop())
	err = bad.RunCycle(ctx)
	require.ErrorIs(t, err, source.ErrMalformed)

	after, err := st.ReadMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunCycle_UnlistedOrganizationStillCommits(t *testing.T) {
	st := newStore(t)
	src := &fakeSource{orgErr: fmt.Errorf("organization 42: %w", source.ErrNotListed)}
	p := New(src, fakeRoster{handles: []string{"alice"}}, st, Options{}, zerolog.Nop())

	require.NoError(t, p.RunCycle(context.Background()))

	counts, err := st.RowCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts["members"])
	assert.Zero(t, counts["organization"])
}

func TestRunCycle_OrganizationFetchFailureAborts(t *testing.T) {
	st := newStore(t)
	src := &fakeSource{orgErr: fmt.Errorf("ratings page: %w", source.ErrRetriesExhausted)}
	p := New(src, fakeRoster{handles: []string{"alice"}}, st, Options{}, zerolog.Nop())

	err := p.RunCycle(context.Background())
	require.ErrorIs(t, err, source.ErrRetriesExhausted)

	meta, err := st.ReadMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.NoUpdate, meta.LastUpdateTime)
}

func TestRunCycle_RejectsOverlap(t *testing.T) {
	st := newStore(t)
	src := &fakeSource{block: make(chan struct{})}
	p := New(src, fakeRoster{handles: []string{"alice"}}, st, Options{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- p.RunCycle(context.Background()) }()

	require.Eventually(t, func() bool { return p.State() == StateFetching }, time.Second, time.Millisecond)
	assert.ErrorIs(t, p.RunCycle(context.Background()), ErrCycleInProgress)

	close(src.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, p.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "roster_resolving", StateRosterResolving.String())
	assert.Equal(t, "committing", StateCommitting.String())
	assert.Equal(t, "state(9)", State(9).String())
}
