// Package stats derives read-time aggregates from the published snapshot.
package stats

import (
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/elonfeng/cforg/internal/store"
	"github.com/elonfeng/cforg/pkg/source"
)

// Solve-count categories.
const (
	CategoryTag      = "tag"
	CategoryRating   = "rating"
	CategoryIndex    = "index"
	CategoryLanguage = "language"
)

// ContestSummary aggregates a set of participations. Ranks are nil when the
// set is empty.
type ContestSummary struct {
	TotalContests         int           `json:"total_contests"`
	BestRank              *int          `json:"best_rank"`
	WorstRank             *int          `json:"worst_rank"`
	HighestRatingIncrease int           `json:"highest_rating_increase"`
	HighestRatingDecrease int           `json:"highest_rating_decrease"`
	RatingHistory         []RatingPoint `json:"rating_history,omitempty"`
}

// RatingPoint is one entry of a rating history.
type RatingPoint struct {
	Date   time.Time `json:"date"`
	Rating int       `json:"rating"`
}

// ProblemSummary aggregates a set of solves.
type ProblemSummary struct {
	TotalProblems int            `json:"total_problems"`
	Tags          map[string]int `json:"tags"`
	Ratings       map[string]int `json:"ratings"`
	Indexes       map[string]int `json:"indexes"`
	Languages     map[string]int `json:"languages"`
}

// Standing is one member's row in an organization-internal contest ranking.
type Standing struct {
	Handle           string `json:"handle"`
	GlobalRank       int    `json:"global_rank"`
	OrganizationRank int    `json:"organization_rank"`
	OldRating        int    `json:"old_rating"`
	NewRating        int    `json:"new_rating"`
}

// ContestStats summarizes participations.
func ContestStats(ps []source.Participation) ContestSummary {
	var s ContestSummary
	for _, p := range ps {
		s.TotalContests++

		rank := p.Rank
		if s.BestRank == nil || rank < *s.BestRank {
			s.BestRank = &rank
		}
		if s.WorstRank == nil || rank > *s.WorstRank {
			s.WorstRank = &rank
		}

		change := p.RatingChange()
		if change > s.HighestRatingIncrease {
			s.HighestRatingIncrease = change
		}
		if change < s.HighestRatingDecrease {
			s.HighestRatingDecrease = change
		}
	}
	return s
}

// RatingHistory returns the member's rating over time, oldest first. The
// first point is the account creation date at the rating the account started
// with: 1500 when its first contest predates the cutover, 0 otherwise.
func RatingHistory(m source.Member, ps []source.Participation) []RatingPoint {
	sorted := make([]source.Participation, len(ps))
	copy(sorted, ps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RatingUpdateTime.Before(sorted[j].RatingUpdateTime)
	})

	seed := 0
	if len(sorted) > 0 && sorted[0].RatingUpdateTime.Before(source.RatingCutover) {
		seed = source.HistoricalDefaultRating
	}

	history := make([]RatingPoint, 0, len(sorted)+1)
	history = append(history, RatingPoint{Date: m.CreationTime, Rating: seed})
	for _, p := range sorted {
		history = append(history, RatingPoint{Date: p.RatingUpdateTime, Rating: p.NewRating})
	}
	return history
}

// ProblemStats summarizes solves. Multi-tag solves count once per tag,
// unrated problems are left out of Ratings, and only the first character of
// an index counts ("B1" is "B").
func ProblemStats(solves []source.Solve) ProblemSummary {
	s := ProblemSummary{
		Tags:      map[string]int{},
		Ratings:   map[string]int{},
		Indexes:   map[string]int{},
		Languages: map[string]int{},
	}
	for _, sv := range solves {
		s.TotalProblems++
		for _, tag := range sv.Tags {
			if tag != "" {
				s.Tags[tag]++
			}
		}
		if sv.Rating != 0 {
			s.Ratings[strconv.Itoa(sv.Rating)]++
		}
		if idx := indexLetter(sv.Index); idx != "" {
			s.Indexes[idx]++
		}
		if sv.Language != "" {
			s.Languages[sv.Language]++
		}
	}
	return s
}

func indexLetter(index string) string {
	if index == "" {
		return ""
	}
	_, size := utf8.DecodeRuneInString(index)
	return index[:size]
}

// CountSolves derives the per-member solve_counts rows, sorted by handle,
// category and value.
func CountSolves(solves []source.Solve) []store.SolveCount {
	type solveKey struct {
		handle    string
		contestID int
		index     string
	}
	// A handle listed twice in the roster yields its solves twice.
	seen := make(map[solveKey]struct{}, len(solves))
	byHandle := make(map[string][]source.Solve)
	for _, sv := range solves {
		k := solveKey{sv.Handle, sv.ContestID, sv.Index}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		byHandle[sv.Handle] = append(byHandle[sv.Handle], sv)
	}

	var out []store.SolveCount
	for handle, hs := range byHandle {
		summary := ProblemStats(hs)
		out = appendCounts(out, handle, CategoryTag, summary.Tags)
		out = appendCounts(out, handle, CategoryRating, summary.Ratings)
		out = appendCounts(out, handle, CategoryIndex, summary.Indexes)
		out = appendCounts(out, handle, CategoryLanguage, summary.Languages)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Handle != b.Handle {
			return a.Handle < b.Handle
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Value < b.Value
	})
	return out
}

func appendCounts(out []store.SolveCount, handle, category string, counts map[string]int) []store.SolveCount {
	for value, n := range counts {
		out = append(out, store.SolveCount{Handle: handle, Category: category, Value: value, Count: n})
	}
	return out
}

// Standings ranks the organization's participants of one contest by their
// global rank.
func Standings(ps []source.Participation) []Standing {
	sorted := make([]source.Participation, len(ps))
	copy(sorted, ps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	out := make([]Standing, len(sorted))
	for i, p := range sorted {
		out[i] = Standing{
			Handle:           p.Handle,
			GlobalRank:       p.Rank,
			OrganizationRank: i + 1,
			OldRating:        p.OldRating,
			NewRating:        p.NewRating,
		}
	}
	return out
}

// Totals folds grouped category totals into category -> value -> count.
func Totals(rows []store.CategoryTotal) map[string]map[string]int {
	out := map[string]map[string]int{
		CategoryTag:      {},
		CategoryRating:   {},
		CategoryIndex:    {},
		CategoryLanguage: {},
	}
	for _, r := range rows {
		if out[r.Category] == nil {
			out[r.Category] = map[string]int{}
		}
		out[r.Category][r.Value] = r.Count
	}
	return out
}
