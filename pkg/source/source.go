package source

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// Kind identifies one logical fetch against Codeforces.
type Kind string

const (
	KindMemberInfo     Kind = "member_info"
	KindMemberContests Kind = "member_contests"
	KindMemberSolved   Kind = "member_solved"
	KindAllContests    Kind = "all_contests"
	KindAllProblems    Kind = "all_problems"
	KindRosterPage     Kind = "roster_page"
	KindOrganization   Kind = "organization"
)

const (
	// UnratedRank is reported for members who never took part in a rated contest.
	UnratedRank = "Unrated"
	// HistoricalDefaultRating was every account's starting rating before the cutover.
	HistoricalDefaultRating = 1500
)

// RatingCutover is when Codeforces changed the initial rating from 1500 to 0.
// Upstream still reports 0 as the first "rating before" for older accounts.
var RatingCutover = time.Date(2020, time.June, 1, 0, 0, 0, 0, time.UTC)

// Organization is the tracked organization's row in the global
// organization ratings.
type Organization struct {
	ID            string `json:"organization_id" db:"organization_id"`
	Name          string `json:"name" db:"name"`
	GlobalRank    int    `json:"global_rank" db:"global_rank"`
	Rating        int    `json:"rating" db:"rating"`
	NumberOfUsers int    `json:"number_of_users" db:"number_of_users"`
}

// Member is a tracked organization member.
type Member struct {
	Handle       string    `json:"handle" db:"handle"`
	CreationTime time.Time `json:"creation_time" db:"creation_time"`
	Rating       int       `json:"rating" db:"rating"`
	MaxRating    int       `json:"max_rating" db:"max_rating"`
	Rank         string    `json:"rank" db:"rank_title"`
}

// Contest is a finished Codeforces contest.
type Contest struct {
	ID              int       `json:"contest_id" db:"contest_id"`
	Name            string    `json:"name" db:"name"`
	StartTime       time.Time `json:"start_time" db:"start_time"`
	DurationSeconds int       `json:"duration_seconds" db:"duration_seconds"`
}

// Participation is one member's result in one rated contest.
type Participation struct {
	Handle           string    `json:"handle" db:"handle"`
	ContestID        int       `json:"contest_id" db:"contest_id"`
	Rank             int       `json:"rank" db:"contest_rank"`
	OldRating        int       `json:"old_rating" db:"old_rating"`
	NewRating        int       `json:"new_rating" db:"new_rating"`
	RatingUpdateTime time.Time `json:"rating_update_time" db:"rating_update_time"`
}

// RatingChange is NewRating minus OldRating.
func (p Participation) RatingChange() int {
	return p.NewRating - p.OldRating
}

// Problem is a problemset entry keyed by (ContestID, Index).
type Problem struct {
	ContestID int     `json:"contest_id" db:"contest_id"`
	Index     string  `json:"index" db:"problem_index"`
	Name      string  `json:"name" db:"name"`
	Rating    int     `json:"rating" db:"rating"`
	Tags      TagList `json:"tags" db:"tags"`
}

// Solve is a member's first accepted submission for a problem.
type Solve struct {
	Handle     string    `json:"handle" db:"handle"`
	ContestID  int       `json:"contest_id" db:"contest_id"`
	Index      string    `json:"index" db:"problem_index"`
	Rating     int       `json:"rating" db:"rating"`
	Tags       TagList   `json:"tags" db:"tags"`
	Language   string    `json:"language" db:"language"`
	SolvedTime time.Time `json:"solved_time" db:"solved_time"`
}

// TagList is stored as a ';'-joined string.
type TagList []string

const tagSeparator = ";"

// Value implements driver.Valuer.
func (t TagList) Value() (driver.Value, error) {
	return strings.Join(t, tagSeparator), nil
}

// Scan implements sql.Scanner.
func (t *TagList) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("scan tags: unsupported type %T", src)
	}
	*t = SplitTags(s)
	return nil
}

// SplitTags parses a stored tag string, dropping empty entries.
func SplitTags(s string) TagList {
	out := TagList{}
	for _, tag := range strings.Split(s, tagSeparator) {
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}
