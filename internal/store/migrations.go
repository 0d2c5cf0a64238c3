package store

// Foreign keys document the relations; the foreign_keys pragma stays off so a
// participation in a contest missing from contest.list does not abort a commit.
const schema = `
CREATE TABLE IF NOT EXISTS organization (
    organization_id  TEXT PRIMARY KEY,
    name             TEXT NOT NULL DEFAULT '',
    global_rank      INTEGER NOT NULL DEFAULT 0,
    rating           INTEGER NOT NULL DEFAULT 0,
    number_of_users  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS members (
    handle         TEXT PRIMARY KEY,
    creation_time  DATETIME NOT NULL,
    rating         INTEGER NOT NULL DEFAULT 0,
    max_rating     INTEGER NOT NULL DEFAULT 0,
    rank_title     TEXT NOT NULL DEFAULT 'Unrated'
);

CREATE TABLE IF NOT EXISTS contests (
    contest_id        INTEGER PRIMARY KEY,
    name              TEXT NOT NULL,
    start_time        DATETIME NOT NULL,
    duration_seconds  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contests_start ON contests(start_time);

CREATE TABLE IF NOT EXISTS participations (
    handle              TEXT NOT NULL REFERENCES members(handle),
    contest_id          INTEGER NOT NULL REFERENCES contests(contest_id),
    contest_rank        INTEGER NOT NULL,
    old_rating          INTEGER NOT NULL,
    new_rating          INTEGER NOT NULL,
    rating_update_time  DATETIME NOT NULL,
    PRIMARY KEY (handle, contest_id)
);

CREATE INDEX IF NOT EXISTS idx_participations_contest ON participations(contest_id);

CREATE TABLE IF NOT EXISTS problems (
    contest_id     INTEGER NOT NULL,
    problem_index  TEXT NOT NULL,
    name           TEXT NOT NULL,
    rating         INTEGER NOT NULL DEFAULT 0,
    tags           TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (contest_id, problem_index)
);

CREATE TABLE IF NOT EXISTS solved (
    handle         TEXT NOT NULL REFERENCES members(handle),
    contest_id     INTEGER NOT NULL,
    problem_index  TEXT NOT NULL,
    rating         INTEGER NOT NULL DEFAULT 0,
    tags           TEXT NOT NULL DEFAULT '',
    language       TEXT NOT NULL DEFAULT '',
    solved_time    DATETIME NOT NULL,
    PRIMARY KEY (handle, contest_id, problem_index)
);

CREATE INDEX IF NOT EXISTS idx_solved_time ON solved(solved_time);

CREATE TABLE IF NOT EXISTS solve_counts (
    handle    TEXT NOT NULL REFERENCES members(handle),
    category  TEXT NOT NULL,
    value     TEXT NOT NULL,
    count     INTEGER NOT NULL,
    PRIMARY KEY (handle, category, value)
);

CREATE INDEX IF NOT EXISTS idx_solve_counts_category ON solve_counts(category, value);

CREATE TABLE IF NOT EXISTS metadata (
    key    TEXT PRIMARY KEY,
    value  TEXT NOT NULL
);
`

// managedTables are cleared and refilled by every committed cycle,
// children first.
var managedTables = []string{
	"solve_counts",
	"solved",
	"participations",
	"problems",
	"contests",
	"members",
	"organization",
}
