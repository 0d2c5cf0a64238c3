package stats

import (
	"context"
	"errors"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/elonfeng/cforg/internal/store"
	"github.com/elonfeng/cforg/pkg/source"
)

// Snapshot gives consistent read access to the published snapshot.
type Snapshot interface {
	View(ctx context.Context, fn func(store.Reader) error) error
}

// Organization identifies the tracked organization in responses.
type Organization struct {
	ID   string
	Name string
}

// Service answers read queries. Every response carries the snapshot's
// last_update_time and is cached per snapshot and calendar day.
type Service struct {
	snap   Snapshot
	cache  Cache
	org    Organization
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates a Service. A nil cache disables caching.
func NewService(snap Snapshot, cache Cache, org Organization, loc *time.Location, logger zerolog.Logger) *Service {
	if cache == nil {
		cache = noopCache{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		snap:   snap,
		cache:  cache,
		org:    org,
		loc:    loc,
		now:    time.Now,
		logger: logger.With().Str("component", "stats").Logger(),
	}
}

// OrganizationResponse omits the ratings fields while the organization is
// not listed in the global organization ratings.
type OrganizationResponse struct {
	LastUpdateTime string `json:"last_update_time"`
	ID             string `json:"organization_id"`
	Name           string `json:"name"`
	MemberCount    int    `json:"member_count"`
	GlobalRank     int    `json:"global_rank,omitempty"`
	Rating         int    `json:"rating,omitempty"`
	NumberOfUsers  int    `json:"number_of_users,omitempty"`
}

type MembersResponse struct {
	LastUpdateTime string          `json:"last_update_time"`
	Users          []source.Member `json:"users"`
}

type MemberResponse struct {
	LastUpdateTime string        `json:"last_update_time"`
	User           source.Member `json:"user"`
}

type MemberContestsResponse struct {
	LastUpdateTime string                   `json:"last_update_time"`
	Handle         string                   `json:"handle"`
	Statistics     Windowed[ContestSummary] `json:"contests_participated"`
}

type MembersContestsResponse struct {
	LastUpdateTime string                              `json:"last_update_time"`
	Users          map[string]Windowed[ContestSummary] `json:"users"`
}

type MemberProblemsResponse struct {
	LastUpdateTime string                   `json:"last_update_time"`
	Handle         string                   `json:"handle"`
	Statistics     Windowed[ProblemSummary] `json:"problems_solved"`
}

type MembersProblemsResponse struct {
	LastUpdateTime string                              `json:"last_update_time"`
	Users          map[string]Windowed[ProblemSummary] `json:"users"`
}

type ContestsResponse struct {
	LastUpdateTime string           `json:"last_update_time"`
	Contests       []source.Contest `json:"contests"`
}

type ContestResponse struct {
	LastUpdateTime string         `json:"last_update_time"`
	Contest        source.Contest `json:"contest"`
}

type StandingsResponse struct {
	LastUpdateTime string     `json:"last_update_time"`
	ContestID      int        `json:"contest_id"`
	Standings      []Standing `json:"contest_standings"`
}

type ProblemsResponse struct {
	LastUpdateTime string           `json:"last_update_time"`
	Problems       []source.Problem `json:"problems"`
}

type ProblemTotalsResponse struct {
	LastUpdateTime string                    `json:"last_update_time"`
	Statistics     map[string]map[string]int `json:"statistics"`
}

// view runs fn in one read transaction, serving from and filling the cache.
func view[T any](ctx context.Context, s *Service, key string, fn func(r store.Reader, last string) (T, error)) (T, error) {
	var out T
	err := s.snap.View(ctx, func(r store.Reader) error {
		last, err := r.LastUpdate(ctx)
		if err != nil {
			return err
		}

		full := key + "|" + last + "|" + s.now().In(s.loc).Format(time.DateOnly)
		if b, ok := s.cache.Get(full); ok {
			if err := json.Unmarshal(b, &out); err == nil {
				return nil
			}
			var zero T
			out = zero
		}

		v, err := fn(r, last)
		if err != nil {
			return err
		}
		out = v

		if b, err := json.Marshal(v); err == nil {
			s.cache.Set(full, b)
		} else {
			s.logger.Warn().Err(err).Str("key", key).Msg("encode cache entry")
		}
		return nil
	})
	return out, err
}

func (s *Service) Organization(ctx context.Context) (OrganizationResponse, error) {
	return view(ctx, s, "organization", func(r store.Reader, last string) (OrganizationResponse, error) {
		members, err := r.ListMembers(ctx)
		if err != nil {
			return OrganizationResponse{}, err
		}
		resp := OrganizationResponse{
			LastUpdateTime: last,
			ID:             s.org.ID,
			Name:           s.org.Name,
			MemberCount:    len(members),
		}

		org, err := r.GetOrganization(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return OrganizationResponse{}, err
		default:
			if org.Name != "" {
				resp.Name = org.Name
			}
			resp.GlobalRank = org.GlobalRank
			resp.Rating = org.Rating
			resp.NumberOfUsers = org.NumberOfUsers
		}
		return resp, nil
	})
}

func (s *Service) Members(ctx context.Context) (MembersResponse, error) {
	return view(ctx, s, "members", func(r store.Reader, last string) (MembersResponse, error) {
		members, err := r.ListMembers(ctx)
		if err != nil {
			return MembersResponse{}, err
		}
		return MembersResponse{LastUpdateTime: last, Users: members}, nil
	})
}

// Member returns one member, or an error wrapping store.ErrNotFound.
func (s *Service) Member(ctx context.Context, handle string) (MemberResponse, error) {
	return view(ctx, s, "member:"+handle, func(r store.Reader, last string) (MemberResponse, error) {
		m, err := r.GetMember(ctx, handle)
		if err != nil {
			return MemberResponse{}, err
		}
		return MemberResponse{LastUpdateTime: last, User: *m}, nil
	})
}

// MemberContests returns windowed contest statistics for one member with the
// rating history attached to the all-time window.
func (s *Service) MemberContests(ctx context.Context, handle string) (MemberContestsResponse, error) {
	return view(ctx, s, "member_contests:"+handle, func(r store.Reader, last string) (MemberContestsResponse, error) {
		m, err := r.GetMember(ctx, handle)
		if err != nil {
			return MemberContestsResponse{}, err
		}
		ps, err := r.ListParticipations(ctx, store.ParticipationFilter{Handle: handle})
		if err != nil {
			return MemberContestsResponse{}, err
		}

		st := WindowedContestStats(ps, s.now(), s.loc)
		st.AllTime.RatingHistory = RatingHistory(*m, ps)
		return MemberContestsResponse{LastUpdateTime: last, Handle: m.Handle, Statistics: st}, nil
	})
}

// MembersContests returns windowed contest statistics for every member,
// including members who never took part in a contest.
func (s *Service) MembersContests(ctx context.Context) (MembersContestsResponse, error) {
	return view(ctx, s, "members_contests", func(r store.Reader, last string) (MembersContestsResponse, error) {
		members, err := r.ListMembers(ctx)
		if err != nil {
			return MembersContestsResponse{}, err
		}
		ps, err := r.ListParticipations(ctx, store.ParticipationFilter{})
		if err != nil {
			return MembersContestsResponse{}, err
		}

		byHandle := make(map[string][]source.Participation, len(members))
		for _, p := range ps {
			byHandle[p.Handle] = append(byHandle[p.Handle], p)
		}

		now := s.now()
		users := make(map[string]Windowed[ContestSummary], len(members))
		for _, m := range members {
			users[m.Handle] = WindowedContestStats(byHandle[m.Handle], now, s.loc)
		}
		return MembersContestsResponse{LastUpdateTime: last, Users: users}, nil
	})
}

func (s *Service) MemberProblems(ctx context.Context, handle string) (MemberProblemsResponse, error) {
	return view(ctx, s, "member_problems:"+handle, func(r store.Reader, last string) (MemberProblemsResponse, error) {
		m, err := r.GetMember(ctx, handle)
		if err != nil {
			return MemberProblemsResponse{}, err
		}
		solves, err := r.ListSolves(ctx, handle)
		if err != nil {
			return MemberProblemsResponse{}, err
		}
		return MemberProblemsResponse{
			LastUpdateTime: last,
			Handle:         m.Handle,
			Statistics:     WindowedProblemStats(solves, s.now(), s.loc),
		}, nil
	})
}

func (s *Service) MembersProblems(ctx context.Context) (MembersProblemsResponse, error) {
	return view(ctx, s, "members_problems", func(r store.Reader, last string) (MembersProblemsResponse, error) {
		members, err := r.ListMembers(ctx)
		if err != nil {
			return MembersProblemsResponse{}, err
		}
		solves, err := r.ListSolves(ctx, "")
		if err != nil {
			return MembersProblemsResponse{}, err
		}

		byHandle := make(map[string][]source.Solve, len(members))
		for _, sv := range solves {
			byHandle[sv.Handle] = append(byHandle[sv.Handle], sv)
		}

		now := s.now()
		users := make(map[string]Windowed[ProblemSummary], len(members))
		for _, m := range members {
			users[m.Handle] = WindowedProblemStats(byHandle[m.Handle], now, s.loc)
		}
		return MembersProblemsResponse{LastUpdateTime: last, Users: users}, nil
	})
}

func (s *Service) Contests(ctx context.Context) (ContestsResponse, error) {
	return view(ctx, s, "contests", func(r store.Reader, last string) (ContestsResponse, error) {
		contests, err := r.ListContests(ctx)
		if err != nil {
			return ContestsResponse{}, err
		}
		return ContestsResponse{LastUpdateTime: last, Contests: contests}, nil
	})
}

func (s *Service) Contest(ctx context.Context, id int) (ContestResponse, error) {
	return view(ctx, s, "contest:"+strconv.Itoa(id), func(r store.Reader, last string) (ContestResponse, error) {
		c, err := r.GetContest(ctx, id)
		if err != nil {
			return ContestResponse{}, err
		}
		return ContestResponse{LastUpdateTime: last, Contest: *c}, nil
	})
}

// ContestStandings ranks the organization's participants of one contest. The
// contest must exist even if no member took part.
func (s *Service) ContestStandings(ctx context.Context, id int) (StandingsResponse, error) {
	return view(ctx, s, "standings:"+strconv.Itoa(id), func(r store.Reader, last string) (StandingsResponse, error) {
		if _, err := r.GetContest(ctx, id); err != nil {
			return StandingsResponse{}, err
		}
		ps, err := r.ListParticipations(ctx, store.ParticipationFilter{ContestID: id})
		if err != nil {
			return StandingsResponse{}, err
		}
		return StandingsResponse{LastUpdateTime: last, ContestID: id, Standings: Standings(ps)}, nil
	})
}

func (s *Service) Problems(ctx context.Context) (ProblemsResponse, error) {
	return view(ctx, s, "problems", func(r store.Reader, last string) (ProblemsResponse, error) {
		problems, err := r.ListProblems(ctx)
		if err != nil {
			return ProblemsResponse{}, err
		}
		return ProblemsResponse{LastUpdateTime: last, Problems: problems}, nil
	})
}

// ProblemTotals returns organization-wide solve counts per category.
func (s *Service) ProblemTotals(ctx context.Context) (ProblemTotalsResponse, error) {
	return view(ctx, s, "problem_totals", func(r store.Reader, last string) (ProblemTotalsResponse, error) {
		rows, err := r.CategoryTotals(ctx)
		if err != nil {
			return ProblemTotalsResponse{}, err
		}
		return ProblemTotalsResponse{LastUpdateTime: last, Statistics: Totals(rows)}, nil
	})
}
