package stats

import (
	"time"

	"github.com/elonfeng/cforg/pkg/source"
)

// Windowed holds one aggregate per reporting window.
type Windowed[T any] struct {
	AllTime   T `json:"all_time"`
	ThisMonth T `json:"this_month"`
	ThisWeek  T `json:"this_week"`
	Today     T `json:"today"`
}

// window classifies timestamps relative to a fixed "now" in one location.
type window struct {
	loc     *time.Location
	year    int
	month   time.Month
	day     int
	isoYear int
	isoWeek int
}

func newWindow(now time.Time, loc *time.Location) window {
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	w := window{loc: loc, year: n.Year(), month: n.Month(), day: n.Day()}
	w.isoYear, w.isoWeek = n.ISOWeek()
	return w
}

func (w window) thisMonth(t time.Time) bool {
	l := t.In(w.loc)
	return l.Year() == w.year && l.Month() == w.month
}

// thisWeek uses ISO weeks, which may straddle a month or year boundary.
func (w window) thisWeek(t time.Time) bool {
	y, wk := t.In(w.loc).ISOWeek()
	return y == w.isoYear && wk == w.isoWeek
}

func (w window) today(t time.Time) bool {
	l := t.In(w.loc)
	return l.Year() == w.year && l.Month() == w.month && l.Day() == w.day
}

func split[T any](items []T, at func(T) time.Time, w window) Windowed[[]T] {
	var out Windowed[[]T]
	out.AllTime = items
	for _, it := range items {
		ts := at(it)
		if w.thisMonth(ts) {
			out.ThisMonth = append(out.ThisMonth, it)
		}
		if w.thisWeek(ts) {
			out.ThisWeek = append(out.ThisWeek, it)
		}
		if w.today(ts) {
			out.Today = append(out.Today, it)
		}
	}
	return out
}

// WindowedContestStats summarizes participations per window, bucketing each
// by its rating update time.
func WindowedContestStats(ps []source.Participation, now time.Time, loc *time.Location) Windowed[ContestSummary] {
	parts := split(ps, func(p source.Participation) time.Time { return p.RatingUpdateTime }, newWindow(now, loc))
	return Windowed[ContestSummary]{
		AllTime:   ContestStats(parts.AllTime),
		ThisMonth: ContestStats(parts.ThisMonth),
		ThisWeek:  ContestStats(parts.ThisWeek),
		Today:     ContestStats(parts.Today),
	}
}

// WindowedProblemStats summarizes solves per window by solve time.
func WindowedProblemStats(solves []source.Solve, now time.Time, loc *time.Location) Windowed[ProblemSummary] {
	parts := split(solves, func(s source.Solve) time.Time { return s.SolvedTime }, newWindow(now, loc))
	return Windowed[ProblemSummary]{
		AllTime:   ProblemStats(parts.AllTime),
		ThisMonth: ProblemStats(parts.ThisMonth),
		ThisWeek:  ProblemStats(parts.ThisWeek),
		Today:     ProblemStats(parts.Today),
	}
}
