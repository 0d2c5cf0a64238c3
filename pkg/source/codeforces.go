package source

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	json "github.com/goccy/go-json"
)

type cfUser struct {
	Handle                  string `json:"handle"`
	Rating                  int    `json:"rating"`
	MaxRating               int    `json:"maxRating"`
	Rank                    string `json:"rank"`
	RegistrationTimeSeconds int64  `json:"registrationTimeSeconds"`
}

type cfRatingChange struct {
	ContestID               int   `json:"contestId"`
	Rank                    int   `json:"rank"`
	OldRating               int   `json:"oldRating"`
	NewRating               int   `json:"newRating"`
	RatingUpdateTimeSeconds int64 `json:"ratingUpdateTimeSeconds"`
}

type cfProblem struct {
	ContestID *int     `json:"contestId"`
	Index     string   `json:"index"`
	Name      string   `json:"name"`
	Rating    int      `json:"rating"`
	Tags      []string `json:"tags"`
}

type cfSubmission struct {
	ID                  int64     `json:"id"`
	CreationTimeSeconds int64     `json:"creationTimeSeconds"`
	Problem             cfProblem `json:"problem"`
	ProgrammingLanguage string    `json:"programmingLanguage"`
	Verdict             *string   `json:"verdict"`
}

type cfContest struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Phase            string `json:"phase"`
	StartTimeSeconds int64  `json:"startTimeSeconds"`
	DurationSeconds  int    `json:"durationSeconds"`
}

type cfProblemset struct {
	Problems []cfProblem `json:"problems"`
}

const (
	verdictOK     = "OK"
	phaseFinished = "FINISHED"
)

// MemberInfo fetches a member's profile.
func (c *Client) MemberInfo(ctx context.Context, handle string) (Member, error) {
	raw, err := c.callAPI(ctx, KindMemberInfo, "user.info", url.Values{"handles": {handle}})
	if err != nil {
		return Member{}, err
	}
	var users []cfUser
	if err := json.Unmarshal(raw, &users); err != nil {
		return Member{}, fmt.Errorf("%w: decode user.info for %s: %v", ErrMalformed, handle, err)
	}
	if len(users) == 0 || users[0].Handle == "" {
		return Member{}, fmt.Errorf("%w: user.info for %s: no user", ErrMalformed, handle)
	}
	return normalizeMember(handle, users[0]), nil
}

// MemberContests fetches a member's rated contest history, oldest first.
func (c *Client) MemberContests(ctx context.Context, handle string) ([]Participation, error) {
	raw, err := c.callAPI(ctx, KindMemberContests, "user.rating", url.Values{"handle": {handle}})
	if err != nil {
		return nil, err
	}
	var changes []cfRatingChange
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, fmt.Errorf("%w: decode user.rating for %s: %v", ErrMalformed, handle, err)
	}
	return normalizeParticipations(handle, changes), nil
}

// MemberSolved fetches a member's submissions and keeps only the first
// accepted submission per problem.
func (c *Client) MemberSolved(ctx context.Context, handle string) ([]Solve, error) {
	raw, err := c.callAPI(ctx, KindMemberSolved, "user.status", url.Values{"handle": {handle}})
	if err != nil {
		return nil, err
	}
	var subs []cfSubmission
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, fmt.Errorf("%w: decode user.status for %s: %v", ErrMalformed, handle, err)
	}
	return normalizeSolves(handle, subs), nil
}

// AllContests fetches every finished contest.
func (c *Client) AllContests(ctx context.Context) ([]Contest, error) {
	raw, err := c.callAPI(ctx, KindAllContests, "contest.list", nil)
	if err != nil {
		return nil, err
	}
	var contests []cfContest
	if err := json.Unmarshal(raw, &contests); err != nil {
		return nil, fmt.Errorf("%w: decode contest.list: %v", ErrMalformed, err)
	}
	return normalizeContests(contests), nil
}

// AllProblems fetches the whole problemset.
func (c *Client) AllProblems(ctx context.Context) ([]Problem, error) {
	raw, err := c.callAPI(ctx, KindAllProblems, "problemset.problems", nil)
	if err != nil {
		return nil, err
	}
	var set cfProblemset
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("%w: decode problemset.problems: %v", ErrMalformed, err)
	}
	if set.Problems == nil {
		return nil, fmt.Errorf("%w: problemset.problems: missing problems", ErrMalformed)
	}
	return normalizeProblems(set.Problems), nil
}

func normalizeMember(handle string, u cfUser) Member {
	rank := u.Rank
	if rank == "" {
		rank = UnratedRank
	}
	return Member{
		Handle:       handle,
		CreationTime: time.Unix(u.RegistrationTimeSeconds, 0).UTC(),
		Rating:       u.Rating,
		MaxRating:    u.MaxRating,
		Rank:         rank,
	}
}

func normalizeParticipations(handle string, changes []cfRatingChange) []Participation {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].RatingUpdateTimeSeconds < changes[j].RatingUpdateTimeSeconds
	})

	out := make([]Participation, 0, len(changes))
	for _, rc := range changes {
		out = append(out, Participation{
			Handle:           handle,
			ContestID:        rc.ContestID,
			Rank:             rc.Rank,
			OldRating:        rc.OldRating,
			NewRating:        rc.NewRating,
			RatingUpdateTime: time.Unix(rc.RatingUpdateTimeSeconds, 0).UTC(),
		})
	}

	// Upstream reports 0 as the first rating for accounts that started at 1500.
	if len(out) > 0 && out[0].RatingUpdateTime.Before(RatingCutover) {
		out[0].OldRating = HistoricalDefaultRating
	}
	return out
}

type problemKey struct {
	contestID int
	index     string
}

func normalizeSolves(handle string, subs []cfSubmission) []Solve {
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].CreationTimeSeconds < subs[j].CreationTimeSeconds
	})

	seen := make(map[problemKey]struct{})
	out := make([]Solve, 0)
	for _, s := range subs {
		if s.Verdict == nil || *s.Verdict != verdictOK {
			continue
		}
		if s.Problem.ContestID == nil {
			continue
		}
		key := problemKey{contestID: *s.Problem.ContestID, index: s.Problem.Index}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		out = append(out, Solve{
			Handle:     handle,
			ContestID:  key.contestID,
			Index:      key.index,
			Rating:     s.Problem.Rating,
			Tags:       tagList(s.Problem.Tags),
			Language:   s.ProgrammingLanguage,
			SolvedTime: time.Unix(s.CreationTimeSeconds, 0).UTC(),
		})
	}
	return out
}

func normalizeContests(contests []cfContest) []Contest {
	out := make([]Contest, 0, len(contests))
	for _, ct := range contests {
		if ct.Phase != phaseFinished {
			continue
		}
		out = append(out, Contest{
			ID:              ct.ID,
			Name:            ct.Name,
			StartTime:       time.Unix(ct.StartTimeSeconds, 0).UTC(),
			DurationSeconds: ct.DurationSeconds,
		})
	}
	return out
}

func normalizeProblems(problems []cfProblem) []Problem {
	out := make([]Problem, 0, len(problems))
	seen := make(map[problemKey]struct{}, len(problems))
	for _, p := range problems {
		if p.ContestID == nil {
			continue
		}
		key := problemKey{contestID: *p.ContestID, index: p.Index}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Problem{
			ContestID: key.contestID,
			Index:     p.Index,
			Name:      p.Name,
			Rating:    p.Rating,
			Tags:      tagList(p.Tags),
		})
	}
	return out
}

func tagList(tags []string) TagList {
	if tags == nil {
		return TagList{}
	}
	return TagList(tags)
}
