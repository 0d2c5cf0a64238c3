package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/cforg/internal/store"
	"github.com/elonfeng/cforg/pkg/source"
)

func newServiceFixture(t *testing.T, cache Cache) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := NewService(st, cache, Organization{ID: "42", Name: "Test Org"}, time.UTC, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC) }
	return svc, st
}

func fixtureSnapshot(updated time.Time) *store.Snapshot {
	solves := []source.Solve{
		solve("alice", 1800, "A", 800, []string{"math"}, "C++17", time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)),
		solve("alice", 1800, "B", 1200, []string{"dp", "math"}, "C++17", time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)),
	}
	return &store.Snapshot{
		Members: []source.Member{
			{Handle: "alice", CreationTime: time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC), Rating: 1700, MaxRating: 1800, Rank: "expert"},
			{Handle: "bob", CreationTime: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), Rank: source.UnratedRank},
		},
		Contests: []source.Contest{
			{ID: 1800, Name: "Round 1", StartTime: time.Date(2019, 5, 1, 14, 0, 0, 0, time.UTC), DurationSeconds: 7200},
		},
		Participations: []source.Participation{
			part(1800, 321, 1500, 1650, time.Date(2019, 5, 1, 18, 0, 0, 0, time.UTC)),
		},
		Solves:      solves,
		SolveCounts: CountSolves(solves),
		UpdatedAt:   updated,
		CycleID:     "c1",
	}
}

func TestService_NoSnapshotReportsNone(t *testing.T) {
	svc, _ := newServiceFixture(t, nil)

	resp, err := svc.Members(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.NoUpdate, resp.LastUpdateTime)
	assert.Empty(t, resp.Users)
}

func TestService_MemberNotFound(t *testing.T) {
	svc, st := newServiceFixture(t, nil)
	require.NoError(t, st.ReplaceAll(context.Background(), fixtureSnapshot(time.Now())))

	_, err := svc.Member(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.MemberContests(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.ContestStandings(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_MemberContests(t *testing.T) {
	svc, st := newServiceFixture(t, nil)
	updated := time.Date(2024, 3, 13, 6, 0, 0, 0, time.UTC)
	require.NoError(t, st.ReplaceAll(context.Background(), fixtureSnapshot(updated)))

	resp, err := svc.MemberContests(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-13T06:00:00Z", resp.LastUpdateTime)
	assert.Equal(t, 1, resp.Statistics.AllTime.TotalContests)
	assert.Equal(t, 150, resp.Statistics.AllTime.HighestRatingIncrease)
	assert.Equal(t, 0, resp.Statistics.ThisMonth.TotalContests)

	history := resp.Statistics.AllTime.RatingHistory
	require.Len(t, history, 2)
	assert.Equal(t, 1500, history[0].Rating)
	assert.Equal(t, 1650, history[1].Rating)
}

func TestService_MembersContestsIncludesInactive(t *testing.T) {
	svc, st := newServiceFixture(t, nil)
	require.NoError(t, st.ReplaceAll(context.Background(), fixtureSnapshot(time.Now())))

	resp, err := svc.MembersContests(context.Background())
	require.NoError(t, err)
	require.Contains(t, resp.Users, "bob")
	assert.Equal(t, 0, resp.Users["bob"].AllTime.TotalContests)
	assert.Nil(t, resp.Users["bob"].AllTime.RatingHistory)
}

func TestService_MemberProblems(t *testing.T) {
	svc, st := newServiceFixture(t, nil)
	require.NoError(t, st.ReplaceAll(context.Background(), fixtureSnapshot(time.Now())))

	resp, err := svc.MemberProblems(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Statistics.AllTime.TotalProblems)
	assert.Equal(t, 2, resp.Statistics.AllTime.Tags["math"])
	assert.Equal(t, 1, resp.Statistics.Today.TotalProblems)
}

func TestService_StandingsAndTotals(t *testing.T) {
	svc, st := newServiceFixture(t, nil)
	require.NoError(t, st.ReplaceAll(context.Background(), fixtureSnapshot(time.Now())))

	standings, err := svc.ContestStandings(context.Background(), 1800)
	require.NoError(t, err)
	require.Len(t, standings.Standings, 1)
	assert.Equal(t, 1, standings.Standings[0].OrganizationRank)
	assert.Equal(t, 321, standings.Standings[0].GlobalRank)

	totals, err := svc.ProblemTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Statistics[CategoryTag]["math"])
	assert.Equal(t, 1, totals.Statistics[CategoryTag]["dp"])
	assert.Equal(t, 2, totals.Statistics[CategoryLanguage]["C++17"])

	org, err := svc.Organization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, org.MemberCount)
	assert.Equal(t, "Test Org", org.Name)
	assert.Zero(t, org.GlobalRank)
}

func TestService_OrganizationRatings(t *testing.T) {
	svc, st := newServiceFixture(t, nil)
	snap := fixtureSnapshot(time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC))
	snap.Organization = &source.Organization{ID: "42", Name: "Test University", GlobalRank: 17, Rating: 1876, NumberOfUsers: 318}
	require.NoError(t, st.ReplaceAll(context.Background(), snap))

	org, err := svc.Organization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OrganizationResponse{
		LastUpdateTime: "2024-03-13T00:00:00Z",
		ID:             "42",
		Name:           "Test University",
		MemberCount:    2,
		GlobalRank:     17,
		Rating:         1876,
		NumberOfUsers:  318,
	}, org)
}

func TestService_CachesPerSnapshot(t *testing.T) {
	cache := NewCache(true, 1, time.Minute, zerolog.Nop())
	svc, st := newServiceFixture(t, cache)
	ctx := context.Background()

	updated := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.ReplaceAll(ctx, fixtureSnapshot(updated)))

	first, err := svc.Members(ctx)
	require.NoError(t, err)
	require.Len(t, first.Users, 2)

	// Same last_update_time: the cached response is served.
	same := fixtureSnapshot(updated)
	same.Members = same.Members[:1]
	require.NoError(t, st.ReplaceAll(ctx, same))

	cached, err := svc.Members(ctx)
	require.NoError(t, err)
	assert.Len(t, cached.Users, 2)

	// A new commit changes the key.
	next := fixtureSnapshot(updated.Add(time.Hour))
	next.Members = next.Members[:1]
	require.NoError(t, st.ReplaceAll(ctx, next))
	fresh, err := svc.Members(ctx)
	require.NoError(t, err)
	assert.Len(t, fresh.Users, 1)
	assert.Equal(t, "2024-03-01T01:00:00Z", fresh.LastUpdateTime)
}

func TestNewCache_DisabledIsNoop(t *testing.T) {
	c := NewCache(false, 8, time.Minute, zerolog.Nop())
	c.Set("k", []byte("v"))
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.IsType(t, noopCache{}, c)

	fc := NewCache(true, 1, time.Minute, zerolog.Nop())
	fc.Set("k", []byte("v"))
	v, ok := fc.Get("k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
