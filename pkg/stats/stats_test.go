package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/cforg/internal/store"
	"github.com/elonfeng/cforg/pkg/source"
)

func part(contestID, rank, oldR, newR int, at time.Time) source.Participation {
	return source.Participation{
		Handle:           "alice",
		ContestID:        contestID,
		Rank:             rank,
		OldRating:        oldR,
		NewRating:        newR,
		RatingUpdateTime: at,
	}
}

func TestContestStats_Empty(t *testing.T) {
	var s ContestSummary
	require.NotPanics(t, func() { s = ContestStats(nil) })

	assert.Equal(t, 0, s.TotalContests)
	assert.Nil(t, s.BestRank)
	assert.Nil(t, s.WorstRank)
	assert.Equal(t, 0, s.HighestRatingIncrease)
	assert.Equal(t, 0, s.HighestRatingDecrease)
}

func TestContestStats(t *testing.T) {
	now := time.Now()
	s := ContestStats([]source.Participation{
		part(1, 500, 1500, 1550, now),
		part(2, 120, 1550, 1700, now),
		part(3, 2000, 1700, 1620, now),
	})

	assert.Equal(t, 3, s.TotalContests)
	require.NotNil(t, s.BestRank)
	assert.Equal(t, 120, *s.BestRank)
	assert.Equal(t, 2000, *s.WorstRank)
	assert.Equal(t, 150, s.HighestRatingIncrease)
	assert.Equal(t, -80, s.HighestRatingDecrease)
}

func TestRatingHistory_SeedBeforeCutover(t *testing.T) {
	created := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	m := source.Member{Handle: "alice", CreationTime: created}

	history := RatingHistory(m, []source.Participation{
		part(2, 10, 1600, 1700, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)),
		part(1, 10, 1500, 1600, time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)),
	})

	require.Len(t, history, 3)
	assert.Equal(t, RatingPoint{Date: created, Rating: 1500}, history[0])
	assert.Equal(t, 1600, history[1].Rating)
	assert.Equal(t, 1700, history[2].Rating)
}

func TestRatingHistory_SeedAfterCutover(t *testing.T) {
	m := source.Member{Handle: "bob", CreationTime: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)}

	history := RatingHistory(m, []source.Participation{
		part(1, 10, 0, 400, time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC)),
	})

	require.Len(t, history, 2)
	assert.Equal(t, 0, history[0].Rating)
	assert.Equal(t, 400, history[1].Rating)
}

func TestRatingHistory_NoContests(t *testing.T) {
	m := source.Member{Handle: "new", CreationTime: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}
	history := RatingHistory(m, nil)
	require.Len(t, history, 1)
	assert.Equal(t, 0, history[0].Rating)
}

func solve(handle string, contestID int, index string, rating int, tags []string, lang string, at time.Time) source.Solve {
	return source.Solve{
		Handle:     handle,
		ContestID:  contestID,
		Index:      index,
		Rating:     rating,
		Tags:       source.TagList(tags),
		Language:   lang,
		SolvedTime: at,
	}
}

func TestProblemStats(t *testing.T) {
	now := time.Now()
	s := ProblemStats([]source.Solve{
		solve("alice", 1, "A", 800, []string{"math", "greedy"}, "C++17", now),
		solve("alice", 2, "B1", 0, []string{"dp"}, "C++17", now),
		solve("alice", 3, "B2", 1400, nil, "Python 3", now),
	})

	assert.Equal(t, 3, s.TotalProblems)
	assert.Equal(t, map[string]int{"math": 1, "greedy": 1, "dp": 1}, s.Tags)
	assert.Equal(t, map[string]int{"A": 1, "B": 2}, s.Indexes)
	assert.Equal(t, map[string]int{"800": 1, "1400": 1}, s.Ratings)
	assert.Equal(t, map[string]int{"C++17": 2, "Python 3": 1}, s.Languages)
}

func TestProblemStats_Empty(t *testing.T) {
	s := ProblemStats(nil)
	assert.Equal(t, 0, s.TotalProblems)
	assert.Empty(t, s.Tags)
}

func TestCountSolves(t *testing.T) {
	now := time.Now()
	counts := CountSolves([]source.Solve{
		solve("bob", 1, "A", 800, []string{"math"}, "Go", now),
		solve("alice", 1, "A", 800, []string{"math"}, "C++17", now),
		solve("alice", 2, "A2", 800, nil, "C++17", now),
	})

	assert.Equal(t, []store.SolveCount{
		{Handle: "alice", Category: CategoryIndex, Value: "A", Count: 2},
		{Handle: "alice", Category: CategoryLanguage, Value: "C++17", Count: 2},
		{Handle: "alice", Category: CategoryRating, Value: "800", Count: 2},
		{Handle: "alice", Category: CategoryTag, Value: "math", Count: 1},
		{Handle: "bob", Category: CategoryIndex, Value: "A", Count: 1},
		{Handle: "bob", Category: CategoryLanguage, Value: "Go", Count: 1},
		{Handle: "bob", Category: CategoryRating, Value: "800", Count: 1},
		{Handle: "bob", Category: CategoryTag, Value: "math", Count: 1},
	}, counts)
}

func TestStandings(t *testing.T) {
	now := time.Now()
	ps := []source.Participation{
		{Handle: "c", ContestID: 1, Rank: 900, OldRating: 1200, NewRating: 1180, RatingUpdateTime: now},
		{Handle: "a", ContestID: 1, Rank: 15, OldRating: 2000, NewRating: 2050, RatingUpdateTime: now},
		{Handle: "b", ContestID: 1, Rank: 300, OldRating: 1600, NewRating: 1610, RatingUpdateTime: now},
	}

	got := Standings(ps)
	require.Len(t, got, 3)
	assert.Equal(t, Standing{Handle: "a", GlobalRank: 15, OrganizationRank: 1, OldRating: 2000, NewRating: 2050}, got[0])
	assert.Equal(t, "b", got[1].Handle)
	assert.Equal(t, 3, got[2].OrganizationRank)
	assert.Equal(t, "c", ps[0].Handle, "input is not reordered")
}

func TestTotals(t *testing.T) {
	got := Totals([]store.CategoryTotal{
		{Category: CategoryTag, Value: "math", Count: 3},
		{Category: CategoryIndex, Value: "A", Count: 5},
	})
	assert.Equal(t, 3, got[CategoryTag]["math"])
	assert.Equal(t, 5, got[CategoryIndex]["A"])
	assert.Empty(t, got[CategoryLanguage])
}

func TestCountSolves_DuplicateHandleCountedOnce(t *testing.T) {
	now := time.Now()
	sv := solve("alice", 1, "A", 800, []string{"math"}, "Go", now)

	counts := CountSolves([]source.Solve{sv, sv})
	for _, c := range counts {
		assert.Equal(t, 1, c.Count, "%s/%s", c.Category, c.Value)
	}
}
