package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/cforg/pkg/source"
)

// NoUpdate is reported as the last update time before any cycle has committed.
const NoUpdate = "NONE"

// Metadata keys.
const (
	KeyLastUpdateTime = "last_update_time"
	KeyLastCycleID    = "last_cycle_id"
)

// ErrNotFound is returned when a requested entity is not in the snapshot.
var ErrNotFound = errors.New("not found")

// SolveCount is one (category, value) tally for a member.
type SolveCount struct {
	Handle   string `json:"handle" db:"handle"`
	Category string `json:"category" db:"category"`
	Value    string `json:"value" db:"value"`
	Count    int    `json:"count" db:"count"`
}

// CategoryTotal is an organization-wide tally.
type CategoryTotal struct {
	Category string `json:"category" db:"category"`
	Value    string `json:"value" db:"value"`
	Count    int    `json:"count" db:"count"`
}

// Snapshot is everything one cycle publishes.
type Snapshot struct {
	// Organization is nil when the organization is not listed in the
	// global ratings; no organization row is published then.
	Organization   *source.Organization
	Members        []source.Member
	Contests       []source.Contest
	Participations []source.Participation
	Problems       []source.Problem
	Solves         []source.Solve
	SolveCounts    []SolveCount
	// UpdatedAt is written as RFC 3339 in its own location.
	UpdatedAt time.Time
	CycleID   string
}

// Metadata describes the published snapshot.
type Metadata struct {
	LastUpdateTime string `json:"last_update_time"`
	LastCycleID    string `json:"last_cycle_id,omitempty"`
}

// ParticipationFilter narrows ListParticipations. Zero fields match all.
type ParticipationFilter struct {
	Handle    string
	ContestID int
}

// Reader is the read side of the snapshot.
type Reader interface {
	LastUpdate(ctx context.Context) (string, error)
	GetOrganization(ctx context.Context) (*source.Organization, error)
	ListMembers(ctx context.Context) ([]source.Member, error)
	GetMember(ctx context.Context, handle string) (*source.Member, error)
	ListContests(ctx context.Context) ([]source.Contest, error)
	GetContest(ctx context.Context, id int) (*source.Contest, error)
	ListParticipations(ctx context.Context, f ParticipationFilter) ([]source.Participation, error)
	ListProblems(ctx context.Context) ([]source.Problem, error)
	ListSolves(ctx context.Context, handle string) ([]source.Solve, error)
	CategoryTotals(ctx context.Context) ([]CategoryTotal, error)
	RowCounts(ctx context.Context) (map[string]int, error)
}

// Store is the persistence interface.
type Store interface {
	Reader

	// ReplaceAll swaps the whole snapshot in one transaction.
	ReplaceAll(ctx context.Context, snap *Snapshot) error
	ReadMetadata(ctx context.Context) (Metadata, error)
	// View runs fn against one consistent read transaction.
	View(ctx context.Context, fn func(Reader) error) error

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	queries
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{queries: queries{q: db}, db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ReplaceAll deletes every managed row, inserts the new snapshot and writes
// the metadata, then commits. Any failure rolls back to the previous snapshot.
func (s *SQLiteStore) ReplaceAll(ctx context.Context, snap *Snapshot) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range managedTables {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if snap.Organization != nil {
		if _, err = tx.NamedExecContext(ctx, `
			INSERT OR REPLACE INTO organization (organization_id, name, global_rank, rating, number_of_users)
			VALUES (:organization_id, :name, :global_rank, :rating, :number_of_users)
		`, snap.Organization); err != nil {
			return fmt.Errorf("insert organization: %w", err)
		}
	}
	if err = insertAll(ctx, tx, "members", `
		INSERT OR REPLACE INTO members (handle, creation_time, rating, max_rating, rank_title)
		VALUES (:handle, :creation_time, :rating, :max_rating, :rank_title)
	`, snap.Members); err != nil {
		return err
	}
	if err = insertAll(ctx, tx, "contests", `
		INSERT OR REPLACE INTO contests (contest_id, name, start_time, duration_seconds)
		VALUES (:contest_id, :name, :start_time, :duration_seconds)
	`, snap.Contests); err != nil {
		return err
	}
	if err = insertAll(ctx, tx, "participations", `
		INSERT OR REPLACE INTO participations (handle, contest_id, contest_rank, old_rating, new_rating, rating_update_time)
		VALUES (:handle, :contest_id, :contest_rank, :old_rating, :new_rating, :rating_update_time)
	`, snap.Participations); err != nil {
		return err
	}
	if err = insertAll(ctx, tx, "problems", `
		INSERT OR REPLACE INTO problems (contest_id, problem_index, name, rating, tags)
		VALUES (:contest_id, :problem_index, :name, :rating, :tags)
	`, snap.Problems); err != nil {
		return err
	}
	if err = insertAll(ctx, tx, "solved", `
		INSERT OR REPLACE INTO solved (handle, contest_id, problem_index, rating, tags, language, solved_time)
		VALUES (:handle, :contest_id, :problem_index, :rating, :tags, :language, :solved_time)
	`, snap.Solves); err != nil {
		return err
	}
	if err = insertAll(ctx, tx, "solve_counts", `
		INSERT OR REPLACE INTO solve_counts (handle, category, value, count)
		VALUES (:handle, :category, :value, :count)
	`, snap.SolveCounts); err != nil {
		return err
	}

	meta := map[string]string{
		KeyLastUpdateTime: snap.UpdatedAt.Format(time.RFC3339),
		KeyLastCycleID:    snap.CycleID,
	}
	for k, v := range meta {
		if _, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("write metadata %s: %w", k, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// insertAll executes one prepared named statement per row.
func insertAll[T any](ctx context.Context, tx *sqlx.Tx, table, query string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare %s insert: %w", table, err)
	}
	defer stmt.Close()

	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]); err != nil {
			return fmt.Errorf("insert %s row %d: %w", table, i, err)
		}
	}
	return nil
}

// ReadMetadata returns the published snapshot's metadata, with
// LastUpdateTime set to NoUpdate when nothing has committed yet.
func (s *SQLiteStore) ReadMetadata(ctx context.Context) (Metadata, error) {
	meta := Metadata{LastUpdateTime: NoUpdate}

	rows, err := s.db.QueryxContext(ctx, "SELECT key, value FROM metadata")
	if err != nil {
		return meta, fmt.Errorf("read metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return meta, err
		}
		switch k {
		case KeyLastUpdateTime:
			meta.LastUpdateTime = v
		case KeyLastCycleID:
			meta.LastCycleID = v
		}
	}
	return meta, rows.Err()
}

// View runs fn inside one read transaction, which is always rolled back.
func (s *SQLiteStore) View(ctx context.Context, fn func(Reader) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	defer tx.Rollback()

	return fn(queries{q: tx})
}

// queries implements Reader over either the database or a transaction.
type queries struct {
	q sqlx.QueryerContext
}

func (r queries) LastUpdate(ctx context.Context) (string, error) {
	var v string
	err := sqlx.GetContext(ctx, r.q, &v, "SELECT value FROM metadata WHERE key = ?", KeyLastUpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return NoUpdate, nil
	}
	if err != nil {
		return "", fmt.Errorf("last update: %w", err)
	}
	return v, nil
}

// GetOrganization returns the published organization row.
func (r queries) GetOrganization(ctx context.Context) (*source.Organization, error) {
	var o source.Organization
	err := sqlx.GetContext(ctx, r.q, &o, "SELECT * FROM organization LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &o, nil
}

func (r queries) ListMembers(ctx context.Context) ([]source.Member, error) {
	members := []source.Member{}
	if err := sqlx.SelectContext(ctx, r.q, &members,
		"SELECT * FROM members ORDER BY rating DESC, handle"); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

func (r queries) GetMember(ctx context.Context, handle string) (*source.Member, error) {
	var m source.Member
	err := sqlx.GetContext(ctx, r.q, &m, "SELECT * FROM members WHERE handle = ?", handle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", handle, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get member %s: %w", handle, err)
	}
	return &m, nil
}

func (r queries) ListContests(ctx context.Context) ([]source.Contest, error) {
	contests := []source.Contest{}
	if err := sqlx.SelectContext(ctx, r.q, &contests,
		"SELECT * FROM contests ORDER BY start_time DESC"); err != nil {
		return nil, fmt.Errorf("list contests: %w", err)
	}
	return contests, nil
}

func (r queries) GetContest(ctx context.Context, id int) (*source.Contest, error) {
	var c source.Contest
	err := sqlx.GetContext(ctx, r.q, &c, "SELECT * FROM contests WHERE contest_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contest %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contest %d: %w", id, err)
	}
	return &c, nil
}

func (r queries) ListParticipations(ctx context.Context, f ParticipationFilter) ([]source.Participation, error) {
	query := "SELECT * FROM participations WHERE 1=1"
	var args []any

	if f.Handle != "" {
		query += " AND handle = ?"
		args = append(args, f.Handle)
	}
	if f.ContestID != 0 {
		query += " AND contest_id = ?"
		args = append(args, f.ContestID)
	}
	query += " ORDER BY rating_update_time, contest_id"

	ps := []source.Participation{}
	if err := sqlx.SelectContext(ctx, r.q, &ps, query, args...); err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	return ps, nil
}

func (r queries) ListProblems(ctx context.Context) ([]source.Problem, error) {
	problems := []source.Problem{}
	if err := sqlx.SelectContext(ctx, r.q, &problems,
		"SELECT * FROM problems ORDER BY contest_id DESC, problem_index"); err != nil {
		return nil, fmt.Errorf("list problems: %w", err)
	}
	return problems, nil
}

// ListSolves returns solves for handle, or for everyone when handle is empty.
func (r queries) ListSolves(ctx context.Context, handle string) ([]source.Solve, error) {
	query := "SELECT * FROM solved"
	var args []any
	if handle != "" {
		query += " WHERE handle = ?"
		args = append(args, handle)
	}
	query += " ORDER BY solved_time"

	solves := []source.Solve{}
	if err := sqlx.SelectContext(ctx, r.q, &solves, query, args...); err != nil {
		return nil, fmt.Errorf("list solves: %w", err)
	}
	return solves, nil
}

func (r queries) CategoryTotals(ctx context.Context) ([]CategoryTotal, error) {
	totals := []CategoryTotal{}
	if err := sqlx.SelectContext(ctx, r.q, &totals, `
		SELECT category, value, SUM(count) AS count
		FROM solve_counts
		GROUP BY category, value
		ORDER BY category, value
	`); err != nil {
		return nil, fmt.Errorf("category totals: %w", err)
	}
	return totals, nil
}

func (r queries) RowCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(managedTables))
	for _, table := range managedTables {
		var n int
		if err := sqlx.GetContext(ctx, r.q, &n, "SELECT COUNT(*) FROM "+table); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
