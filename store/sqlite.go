package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteGateway is a SQLite implementation of Gateway.
//
// It keeps the whole record store in a single-file database. Designed for:
//   - Development and single-process deployments with zero setup
//   - Tests against ":memory:"
//
// WAL mode is enabled so the read API can query while a pipeline run writes.
// Instants are stored as unix seconds so the penalty-date arithmetic in the
// rank aggregation stays plain integer math; rank vectors are stored as JSON
// text.
type SQLiteGateway struct {
	db *sql.DB
}

// NewSQLiteGateway opens (and if needed creates) the database at path and
// runs the schema migration.
//
// Use ":memory:" for an in-memory database in tests.
func NewSQLiteGateway(path string) (*SQLiteGateway, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	g := &SQLiteGateway{db: db}
	if err := g.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return g, nil
}

func (g *SQLiteGateway) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contests (
			slug TEXT NOT NULL PRIMARY KEY,
			title TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			duration INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			past INTEGER NOT NULL,
			update_time INTEGER NOT NULL,
			predict_time INTEGER,
			user_num_us INTEGER,
			user_num_cn INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contests_title ON contests(title)`,
		`CREATE INDEX IF NOT EXISTS idx_contests_start ON contests(start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_contests_end ON contests(end_time)`,
		`CREATE INDEX IF NOT EXISTS idx_contests_predict ON contests(predict_time)`,

		`CREATE TABLE IF NOT EXISTS predict_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contest_slug TEXT NOT NULL,
			contest_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			user_slug TEXT NOT NULL,
			data_region TEXT NOT NULL,
			rank INTEGER NOT NULL,
			score INTEGER NOT NULL,
			finish_time INTEGER NOT NULL,
			attended_contests_count INTEGER NOT NULL DEFAULT 0,
			old_rating REAL NOT NULL DEFAULT 0,
			new_rating REAL NOT NULL DEFAULT 0,
			delta_rating REAL NOT NULL DEFAULT 0,
			insert_time INTEGER NOT NULL,
			predict_time INTEGER,
			UNIQUE(contest_slug, data_region, username)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predict_slug ON predict_records(contest_slug)`,
		`CREATE INDEX IF NOT EXISTS idx_predict_username ON predict_records(username)`,
		`CREATE INDEX IF NOT EXISTS idx_predict_rank ON predict_records(contest_slug, rank)`,

		`CREATE TABLE IF NOT EXISTS archive_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contest_slug TEXT NOT NULL,
			contest_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			user_slug TEXT NOT NULL,
			data_region TEXT NOT NULL,
			rank INTEGER NOT NULL,
			score INTEGER NOT NULL,
			finish_time INTEGER NOT NULL,
			attended_contests_count INTEGER NOT NULL DEFAULT 0,
			old_rating REAL NOT NULL DEFAULT 0,
			new_rating REAL NOT NULL DEFAULT 0,
			delta_rating REAL NOT NULL DEFAULT 0,
			update_time INTEGER NOT NULL,
			real_time_rank TEXT,
			UNIQUE(contest_slug, data_region, username)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_slug ON archive_records(contest_slug)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_username ON archive_records(username)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_rank ON archive_records(contest_slug, rank)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_update ON archive_records(contest_slug, update_time)`,

		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			user_slug TEXT NOT NULL,
			data_region TEXT NOT NULL,
			attended_contests_count INTEGER NOT NULL,
			rating REAL NOT NULL,
			update_time INTEGER NOT NULL,
			UNIQUE(data_region, username)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_rating ON users(rating)`,
		`CREATE INDEX IF NOT EXISTS idx_users_slug ON users(user_slug)`,

		`CREATE TABLE IF NOT EXISTS questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			question_id INTEGER NOT NULL,
			contest_slug TEXT NOT NULL,
			title TEXT NOT NULL,
			title_slug TEXT NOT NULL,
			credit INTEGER NOT NULL,
			qi INTEGER NOT NULL,
			real_time_count TEXT,
			update_time INTEGER NOT NULL,
			UNIQUE(question_id, contest_slug)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_slug ON questions(contest_slug)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_title_slug ON questions(title_slug)`,

		`CREATE TABLE IF NOT EXISTS submissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			contest_slug TEXT NOT NULL,
			username TEXT NOT NULL,
			data_region TEXT NOT NULL,
			question_id INTEGER NOT NULL,
			date INTEGER NOT NULL,
			fail_count INTEGER NOT NULL,
			credit INTEGER NOT NULL,
			submission_id INTEGER NOT NULL,
			status INTEGER NOT NULL,
			contest_id INTEGER NOT NULL,
			lang TEXT NOT NULL DEFAULT '',
			update_time INTEGER NOT NULL,
			UNIQUE(contest_slug, data_region, username, question_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_slug_date ON submissions(contest_slug, date)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_question ON submissions(contest_slug, question_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_update ON submissions(contest_slug, update_time)`,
	}
	for _, stmt := range stmts {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (g *SQLiteGateway) Close() error {
	return g.db.Close()
}

func ts(t time.Time) int64 { return t.UTC().Unix() }

func tsPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func fromTS(v int64) time.Time { return time.Unix(v, 0).UTC() }

func fromTSPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromTS(v.Int64)
	return &t
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func toInterfacePtr(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func marshalVector(v []int) interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalVector(v sql.NullString) []int {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

// --- Contests ---

func (g *SQLiteGateway) UpsertContest(ctx context.Context, c Contest) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO contests (slug, title, start_time, duration, end_time, past, update_time, predict_time, user_num_us, user_num_cn)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			title = excluded.title,
			start_time = excluded.start_time,
			duration = excluded.duration,
			end_time = excluded.end_time,
			past = excluded.past,
			update_time = excluded.update_time,
			predict_time = COALESCE(excluded.predict_time, contests.predict_time),
			user_num_us = COALESCE(excluded.user_num_us, contests.user_num_us),
			user_num_cn = COALESCE(excluded.user_num_cn, contests.user_num_cn)`,
		c.Slug, c.Title, ts(c.StartTime), c.Duration, ts(c.EndTime), c.Past,
		ts(c.UpdateTime), tsPtr(c.PredictTime), toInterfacePtr(c.UserNumUS), toInterfacePtr(c.UserNumCN),
	)
	if err != nil {
		return fmt.Errorf("store: upsert contest %s: %w", c.Slug, err)
	}
	return nil
}

const contestColumns = `slug, title, start_time, duration, end_time, past, update_time, predict_time, user_num_us, user_num_cn`

func scanContest(row interface{ Scan(...interface{}) error }) (Contest, error) {
	var (
		c                    Contest
		start, end, update   int64
		predict              sql.NullInt64
		userNumUS, userNumCN sql.NullInt64
	)
	err := row.Scan(&c.Slug, &c.Title, &start, &c.Duration, &end, &c.Past, &update, &predict, &userNumUS, &userNumCN)
	if err != nil {
		return c, err
	}
	c.StartTime = fromTS(start)
	c.EndTime = fromTS(end)
	c.UpdateTime = fromTS(update)
	c.PredictTime = fromTSPtr(predict)
	c.UserNumUS = intPtr(userNumUS)
	c.UserNumCN = intPtr(userNumCN)
	return c, nil
}

func (g *SQLiteGateway) GetContest(ctx context.Context, slug string) (Contest, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT `+contestColumns+` FROM contests WHERE slug = ?`, slug)
	c, err := scanContest(row)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("store: get contest %s: %w", slug, err)
	}
	return c, nil
}

func (g *SQLiteGateway) ListContests(ctx context.Context, predictedOnly bool, skip, limit int) ([]Contest, error) {
	query := `SELECT ` + contestColumns + ` FROM contests`
	if predictedOnly {
		query += ` WHERE predict_time IS NOT NULL`
	}
	query += ` ORDER BY start_time DESC LIMIT ? OFFSET ?`

	rows, err := g.db.QueryContext(ctx, query, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("store: list contests: %w", err)
	}
	defer rows.Close()

	var out []Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan contest: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) CountContests(ctx context.Context, predictedOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM contests`
	if predictedOnly {
		query += ` WHERE predict_time IS NOT NULL`
	}
	var n int
	if err := g.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count contests: %w", err)
	}
	return n, nil
}

func (g *SQLiteGateway) RecentContestStats(ctx context.Context, since time.Time, limit int) ([]Contest, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+contestColumns+` FROM contests
		WHERE start_time > ? AND user_num_us IS NOT NULL AND user_num_cn IS NOT NULL
		ORDER BY start_time DESC LIMIT ?`, ts(since), limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent contest stats: %w", err)
	}
	defer rows.Close()

	var out []Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan contest: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) SetContestPredictTime(ctx context.Context, slug string, t time.Time) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE contests SET predict_time = ? WHERE slug = ?`, ts(t), slug)
	if err != nil {
		return fmt.Errorf("store: set predict_time for %s: %w", slug, err)
	}
	return nil
}

func (g *SQLiteGateway) SetContestUserNum(ctx context.Context, slug string, region DataRegion, n int) error {
	column := "user_num_cn"
	if region == RegionUS {
		column = "user_num_us"
	}
	_, err := g.db.ExecContext(ctx,
		`UPDATE contests SET `+column+` = ? WHERE slug = ?`, n, slug)
	if err != nil {
		return fmt.Errorf("store: set %s for %s: %w", column, slug, err)
	}
	return nil
}

// --- Predict records ---

func (g *SQLiteGateway) ReplacePredictRecords(ctx context.Context, slug string, records []ContestRecord) (int, error) {
	kept, dropped := DedupeRecords(records)

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return dropped, fmt.Errorf("store: begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM predict_records WHERE contest_slug = ?`, slug); err != nil {
		return dropped, fmt.Errorf("store: wipe predict records for %s: %w", slug, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO predict_records
			(contest_slug, contest_id, username, user_slug, data_region, rank, score,
			 finish_time, attended_contests_count, old_rating, new_rating, delta_rating,
			 insert_time, predict_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return dropped, fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range kept {
		if _, err := stmt.ExecContext(ctx,
			r.ContestSlug, r.ContestID, r.Username, r.UserSlug, string(r.DataRegion),
			r.Rank, r.Score, ts(r.FinishTime), r.AttendedContestsCount,
			r.OldRating, r.NewRating, r.DeltaRating,
			ts(r.InsertTime), tsPtr(r.PredictTime),
		); err != nil {
			return dropped, fmt.Errorf("store: insert predict record %s/%s: %w", r.ContestSlug, r.Username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dropped, fmt.Errorf("store: commit replace: %w", err)
	}
	return dropped, nil
}

const predictColumns = `contest_slug, contest_id, username, user_slug, data_region, rank, score,
	finish_time, attended_contests_count, old_rating, new_rating, delta_rating, insert_time, predict_time`

func scanPredictRecord(row interface{ Scan(...interface{}) error }) (ContestRecord, error) {
	var (
		r               ContestRecord
		region          string
		finish, insert  int64
		predict         sql.NullInt64
	)
	err := row.Scan(&r.ContestSlug, &r.ContestID, &r.Username, &r.UserSlug, &region,
		&r.Rank, &r.Score, &finish, &r.AttendedContestsCount,
		&r.OldRating, &r.NewRating, &r.DeltaRating, &insert, &predict)
	if err != nil {
		return r, err
	}
	r.DataRegion = DataRegion(region)
	r.FinishTime = fromTS(finish)
	r.InsertTime = fromTS(insert)
	r.PredictTime = fromTSPtr(predict)
	return r, nil
}

func (g *SQLiteGateway) PredictScorers(ctx context.Context, slug string) ([]ContestRecord, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+predictColumns+` FROM predict_records
		WHERE contest_slug = ? AND score <> 0 ORDER BY rank`, slug)
	if err != nil {
		return nil, fmt.Errorf("store: predict scorers for %s: %w", slug, err)
	}
	defer rows.Close()

	var out []ContestRecord
	for rows.Next() {
		r, err := scanPredictRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan predict record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) FillPredictRecordUser(ctx context.Context, slug string, key UserKey, oldRating float64, attended int) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE predict_records SET old_rating = ?, attended_contests_count = ?
		WHERE contest_slug = ? AND data_region = ? AND username = ?`,
		oldRating, attended, slug, string(key.DataRegion), key.Username)
	if err != nil {
		return fmt.Errorf("store: fill predict record %s/%s: %w", slug, key.Username, err)
	}
	return nil
}

func (g *SQLiteGateway) SavePredictResults(ctx context.Context, slug string, results []PredictResult, predictTime time.Time) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save results: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE predict_records
		SET old_rating = ?, new_rating = ?, delta_rating = ?, predict_time = ?
		WHERE contest_slug = ? AND data_region = ? AND username = ?`)
	if err != nil {
		return fmt.Errorf("store: prepare save results: %w", err)
	}
	defer stmt.Close()

	for _, res := range results {
		if _, err := stmt.ExecContext(ctx,
			res.OldRating, res.NewRating, res.DeltaRating, ts(predictTime),
			slug, string(res.Key.DataRegion), res.Key.Username,
		); err != nil {
			return fmt.Errorf("store: save result for %s: %w", res.Key.Username, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit save results: %w", err)
	}
	return nil
}

// --- Shared record queries ---

const archiveColumns = `contest_slug, contest_id, username, user_slug, data_region, rank, score,
	finish_time, attended_contests_count, old_rating, new_rating, delta_rating, update_time, real_time_rank`

func scanArchiveRecord(row interface{ Scan(...interface{}) error }) (ContestRecord, error) {
	var (
		r              ContestRecord
		region         string
		finish, update int64
		rtr            sql.NullString
	)
	err := row.Scan(&r.ContestSlug, &r.ContestID, &r.Username, &r.UserSlug, &region,
		&r.Rank, &r.Score, &finish, &r.AttendedContestsCount,
		&r.OldRating, &r.NewRating, &r.DeltaRating, &update, &rtr)
	if err != nil {
		return r, err
	}
	r.DataRegion = DataRegion(region)
	r.FinishTime = fromTS(finish)
	r.UpdateTime = fromTS(update)
	r.RealTimeRank = unmarshalVector(rtr)
	return r, nil
}

func (g *SQLiteGateway) Records(ctx context.Context, slug string, archive bool, skip, limit int) ([]ContestRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if archive {
		rows, err = g.db.QueryContext(ctx, `
			SELECT `+archiveColumns+` FROM archive_records
			WHERE contest_slug = ? AND score <> 0 ORDER BY rank LIMIT ? OFFSET ?`,
			slug, limit, skip)
	} else {
		rows, err = g.db.QueryContext(ctx, `
			SELECT `+predictColumns+` FROM predict_records
			WHERE contest_slug = ? AND score <> 0 ORDER BY rank LIMIT ? OFFSET ?`,
			slug, limit, skip)
	}
	if err != nil {
		return nil, fmt.Errorf("store: records for %s: %w", slug, err)
	}
	defer rows.Close()

	var out []ContestRecord
	for rows.Next() {
		var (
			r    ContestRecord
			serr error
		)
		if archive {
			r, serr = scanArchiveRecord(rows)
		} else {
			r, serr = scanPredictRecord(rows)
		}
		if serr != nil {
			return nil, fmt.Errorf("store: scan record: %w", serr)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) CountRecords(ctx context.Context, slug string, archive bool) (int, error) {
	table := "predict_records"
	if archive {
		table = "archive_records"
	}
	var n int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE contest_slug = ? AND score <> 0`, slug).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count records for %s: %w", slug, err)
	}
	return n, nil
}

func (g *SQLiteGateway) UserRecords(ctx context.Context, slug, username string, archive bool) ([]ContestRecord, error) {
	lower := strings.ToLower(username)
	var (
		rows *sql.Rows
		err  error
	)
	if archive {
		rows, err = g.db.QueryContext(ctx, `
			SELECT `+archiveColumns+` FROM archive_records
			WHERE contest_slug = ? AND username IN (?, ?) AND score <> 0`,
			slug, username, lower)
	} else {
		rows, err = g.db.QueryContext(ctx, `
			SELECT `+predictColumns+` FROM predict_records
			WHERE contest_slug = ? AND username IN (?, ?) AND score <> 0`,
			slug, username, lower)
	}
	if err != nil {
		return nil, fmt.Errorf("store: user records for %s/%s: %w", slug, username, err)
	}
	defer rows.Close()

	var out []ContestRecord
	for rows.Next() {
		var (
			r    ContestRecord
			serr error
		)
		if archive {
			r, serr = scanArchiveRecord(rows)
		} else {
			r, serr = scanPredictRecord(rows)
		}
		if serr != nil {
			return nil, fmt.Errorf("store: scan record: %w", serr)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) PredictedRating(ctx context.Context, slug string, key UserKey) (ContestRecord, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT `+predictColumns+` FROM predict_records
		WHERE contest_slug = ? AND data_region = ? AND username = ?`,
		slug, string(key.DataRegion), key.Username)
	r, err := scanPredictRecord(row)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("store: predicted rating for %s/%s: %w", slug, key.Username, err)
	}
	return r, nil
}

func (g *SQLiteGateway) RealTimeRank(ctx context.Context, slug string, key UserKey) ([]int, error) {
	var rtr sql.NullString
	err := g.db.QueryRowContext(ctx, `
		SELECT real_time_rank FROM archive_records
		WHERE contest_slug = ? AND data_region = ? AND username = ?`,
		slug, string(key.DataRegion), key.Username).Scan(&rtr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: real_time_rank for %s/%s: %w", slug, key.Username, err)
	}
	return unmarshalVector(rtr), nil
}

// --- Archive records ---

func (g *SQLiteGateway) UpsertArchiveRecords(ctx context.Context, records []ContestRecord) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin archive upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO archive_records
			(contest_slug, contest_id, username, user_slug, data_region, rank, score,
			 finish_time, attended_contests_count, old_rating, new_rating, delta_rating,
			 update_time, real_time_rank)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contest_slug, data_region, username) DO UPDATE SET
			rank = excluded.rank,
			score = excluded.score,
			finish_time = excluded.finish_time,
			update_time = excluded.update_time`)
	if err != nil {
		return fmt.Errorf("store: prepare archive upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ContestSlug, r.ContestID, r.Username, r.UserSlug, string(r.DataRegion),
			r.Rank, r.Score, ts(r.FinishTime), r.AttendedContestsCount,
			r.OldRating, r.NewRating, r.DeltaRating,
			ts(r.UpdateTime), marshalVector(r.RealTimeRank),
		); err != nil {
			return fmt.Errorf("store: upsert archive record %s/%s: %w", r.ContestSlug, r.Username, err)
		}
	}
	return tx.Commit()
}

func (g *SQLiteGateway) DeleteObsoleteArchiveRecords(ctx context.Context, slug string, before time.Time) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		DELETE FROM archive_records WHERE contest_slug = ? AND update_time < ?`,
		slug, ts(before))
	if err != nil {
		return 0, fmt.Errorf("store: tombstone archive records for %s: %w", slug, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (g *SQLiteGateway) queryUserKeys(ctx context.Context, query string, args ...interface{}) ([]UserKey, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserKey
	for rows.Next() {
		var (
			key    UserKey
			region string
		)
		if err := rows.Scan(&key.Username, &region); err != nil {
			return nil, err
		}
		key.DataRegion = DataRegion(region)
		out = append(out, key)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) ArchiveScorers(ctx context.Context, slug string) ([]UserKey, error) {
	keys, err := g.queryUserKeys(ctx, `
		SELECT username, data_region FROM archive_records
		WHERE contest_slug = ? AND score <> 0`, slug)
	if err != nil {
		return nil, fmt.Errorf("store: archive scorers for %s: %w", slug, err)
	}
	return keys, nil
}

func (g *SQLiteGateway) ArchiveUserKeys(ctx context.Context, slug string) ([]UserKey, error) {
	keys, err := g.queryUserKeys(ctx, `
		SELECT username, data_region FROM archive_records WHERE contest_slug = ?`, slug)
	if err != nil {
		return nil, fmt.Errorf("store: archive user keys for %s: %w", slug, err)
	}
	return keys, nil
}

func (g *SQLiteGateway) SetRealTimeRank(ctx context.Context, slug string, key UserKey, ranks []int) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE archive_records SET real_time_rank = ?
		WHERE contest_slug = ? AND data_region = ? AND username = ?`,
		marshalVector(ranks), slug, string(key.DataRegion), key.Username)
	if err != nil {
		return fmt.Errorf("store: set real_time_rank for %s/%s: %w", slug, key.Username, err)
	}
	return nil
}

// --- Users ---

func (g *SQLiteGateway) UpsertUser(ctx context.Context, u User) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO users (username, user_slug, data_region, attended_contests_count, rating, update_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(data_region, username) DO UPDATE SET
			attended_contests_count = excluded.attended_contests_count,
			rating = excluded.rating,
			update_time = excluded.update_time`,
		u.Username, u.UserSlug, string(u.DataRegion), u.AttendedContestsCount, u.Rating, ts(u.UpdateTime))
	if err != nil {
		return fmt.Errorf("store: upsert user %s/%s: %w", u.DataRegion, u.Username, err)
	}
	return nil
}

func (g *SQLiteGateway) GetUser(ctx context.Context, key UserKey) (User, error) {
	var (
		u      User
		region string
		update int64
	)
	err := g.db.QueryRowContext(ctx, `
		SELECT username, user_slug, data_region, attended_contests_count, rating, update_time
		FROM users WHERE data_region = ? AND username = ?`,
		string(key.DataRegion), key.Username).
		Scan(&u.Username, &u.UserSlug, &region, &u.AttendedContestsCount, &u.Rating, &update)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, fmt.Errorf("store: get user %s/%s: %w", key.DataRegion, key.Username, err)
	}
	u.DataRegion = DataRegion(region)
	u.UpdateTime = fromTS(update)
	return u, nil
}

func (g *SQLiteGateway) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

func (g *SQLiteGateway) UserKeysByRating(ctx context.Context, skip, limit int) ([]UserKey, error) {
	keys, err := g.queryUserKeys(ctx, `
		SELECT username, data_region FROM users
		ORDER BY rating DESC LIMIT ? OFFSET ?`, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("store: user keys by rating: %w", err)
	}
	return keys, nil
}

func (g *SQLiteGateway) StalePredictUsers(ctx context.Context, slug string, olderThan time.Time) ([]UserKey, error) {
	keys, err := g.queryUserKeys(ctx, `
		SELECT pr.username, pr.data_region
		FROM predict_records pr
		LEFT JOIN users u ON u.data_region = pr.data_region AND u.username = pr.username
		WHERE pr.contest_slug = ? AND pr.score <> 0
		  AND (u.username IS NULL OR u.update_time < ?)`,
		slug, ts(olderThan))
	if err != nil {
		return nil, fmt.Errorf("store: stale predict users for %s: %w", slug, err)
	}
	return keys, nil
}

// --- Questions ---

func (g *SQLiteGateway) UpsertQuestions(ctx context.Context, qs []Question) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin question upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO questions (question_id, contest_slug, title, title_slug, credit, qi, real_time_count, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(question_id, contest_slug) DO UPDATE SET
			title = excluded.title,
			title_slug = excluded.title_slug,
			credit = excluded.credit,
			qi = excluded.qi,
			update_time = excluded.update_time`)
	if err != nil {
		return fmt.Errorf("store: prepare question upsert: %w", err)
	}
	defer stmt.Close()

	for _, q := range qs {
		if _, err := stmt.ExecContext(ctx,
			q.QuestionID, q.ContestSlug, q.Title, q.TitleSlug, q.Credit, q.QI,
			marshalVector(q.RealTimeCount), ts(q.UpdateTime),
		); err != nil {
			return fmt.Errorf("store: upsert question %d: %w", q.QuestionID, err)
		}
	}
	return tx.Commit()
}

func (g *SQLiteGateway) DeleteObsoleteQuestions(ctx context.Context, slug string, before time.Time) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		DELETE FROM questions WHERE contest_slug = ? AND update_time < ?`,
		slug, ts(before))
	if err != nil {
		return 0, fmt.Errorf("store: tombstone questions for %s: %w", slug, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanQuestion(row interface{ Scan(...interface{}) error }) (Question, error) {
	var (
		q      Question
		rtc    sql.NullString
		update int64
	)
	err := row.Scan(&q.QuestionID, &q.ContestSlug, &q.Title, &q.TitleSlug, &q.Credit, &q.QI, &rtc, &update)
	if err != nil {
		return q, err
	}
	q.RealTimeCount = unmarshalVector(rtc)
	q.UpdateTime = fromTS(update)
	return q, nil
}

const questionColumns = `question_id, contest_slug, title, title_slug, credit, qi, real_time_count, update_time`

func (g *SQLiteGateway) Questions(ctx context.Context, slug string) ([]Question, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+questionColumns+` FROM questions WHERE contest_slug = ? ORDER BY qi`, slug)
	if err != nil {
		return nil, fmt.Errorf("store: questions for %s: %w", slug, err)
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) QuestionByID(ctx context.Context, questionID int) (Question, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT `+questionColumns+` FROM questions WHERE question_id = ?`, questionID)
	q, err := scanQuestion(row)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, fmt.Errorf("store: question %d: %w", questionID, err)
	}
	return q, nil
}

func (g *SQLiteGateway) SetQuestionRealTimeCount(ctx context.Context, slug string, questionID int, counts []int) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE questions SET real_time_count = ? WHERE contest_slug = ? AND question_id = ?`,
		marshalVector(counts), slug, questionID)
	if err != nil {
		return fmt.Errorf("store: set real_time_count for question %d: %w", questionID, err)
	}
	return nil
}

// --- Submissions ---

func (g *SQLiteGateway) UpsertSubmissions(ctx context.Context, subs []Submission) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin submission upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO submissions
			(contest_slug, username, data_region, question_id, date, fail_count, credit,
			 submission_id, status, contest_id, lang, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contest_slug, data_region, username, question_id) DO UPDATE SET
			date = excluded.date,
			fail_count = excluded.fail_count,
			credit = excluded.credit,
			lang = excluded.lang,
			update_time = excluded.update_time`)
	if err != nil {
		return fmt.Errorf("store: prepare submission upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range subs {
		if _, err := stmt.ExecContext(ctx,
			s.ContestSlug, s.Username, string(s.DataRegion), s.QuestionID, ts(s.Date),
			s.FailCount, s.Credit, s.SubmissionID, s.Status, s.ContestID, s.Lang, ts(s.UpdateTime),
		); err != nil {
			return fmt.Errorf("store: upsert submission %s/%s/q%d: %w", s.ContestSlug, s.Username, s.QuestionID, err)
		}
	}
	return tx.Commit()
}

func (g *SQLiteGateway) DeleteObsoleteSubmissions(ctx context.Context, slug string, before time.Time) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		DELETE FROM submissions WHERE contest_slug = ? AND update_time < ?`,
		slug, ts(before))
	if err != nil {
		return 0, fmt.Errorf("store: tombstone submissions for %s: %w", slug, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (g *SQLiteGateway) CountSubmissionsAt(ctx context.Context, slug string, questionID int, at time.Time) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM submissions
		WHERE contest_slug = ? AND question_id = ? AND date <= ?`,
		slug, questionID, ts(at)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count submissions for q%d: %w", questionID, err)
	}
	return n, nil
}

// RankAtInstant runs the grouped standing aggregation at one grid point.
//
// Penalty date is date_max + 5 minutes per accumulated failure; the ordering
// and tie-break match the contest scoreboard rules.
func (g *SQLiteGateway) RankAtInstant(ctx context.Context, slug string, at time.Time) (map[UserKey]int, int, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT username, data_region,
		       SUM(credit) AS credit_sum,
		       SUM(fail_count) AS fail_sum,
		       MAX(date) AS date_max,
		       MAX(date) + SUM(fail_count) * 300 AS penalty_date
		FROM submissions
		WHERE contest_slug = ? AND date <= ?
		GROUP BY username, data_region
		ORDER BY credit_sum DESC, penalty_date ASC`,
		slug, ts(at))
	if err != nil {
		return nil, 0, fmt.Errorf("store: rank aggregation for %s: %w", slug, err)
	}
	defer rows.Close()

	var groups []RankRow
	for rows.Next() {
		var (
			row              RankRow
			region           string
			dateMax, penalty int64
		)
		if err := rows.Scan(&row.Key.Username, &region, &row.CreditSum, &row.FailSum, &dateMax, &penalty); err != nil {
			return nil, 0, fmt.Errorf("store: scan rank row: %w", err)
		}
		row.Key.DataRegion = DataRegion(region)
		row.PenaltyDate = fromTS(penalty)
		groups = append(groups, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	AssignTieRanks(groups)

	rankMap := make(map[UserKey]int, len(groups))
	for _, row := range groups {
		rankMap[row.Key] = row.Rank
	}
	return rankMap, len(groups), nil
}
