package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLGateway is a MySQL implementation of Gateway for multi-process
// deployments (one predictd writer, many apiserver readers).
//
// Schema notes:
//   - rank is a reserved word in MySQL 8, so the column is always backquoted
//   - instants are unix seconds (BIGINT) like the SQLite gateway
//   - upserts use INSERT ... ON DUPLICATE KEY UPDATE against the natural key
type MySQLGateway struct {
	db *sql.DB
}

// NewMySQLGateway connects using a go-sql-driver DSN, e.g.
// "user:pass@tcp(localhost:3306)/lcpredict?parseTime=true", and runs the
// schema migration.
func NewMySQLGateway(dsn string) (*MySQLGateway, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	g := &MySQLGateway{db: db}
	if err := g.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return g, nil
}

func (g *MySQLGateway) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contests (
			slug VARCHAR(128) NOT NULL PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			start_time BIGINT NOT NULL,
			duration INT NOT NULL,
			end_time BIGINT NOT NULL,
			past TINYINT(1) NOT NULL,
			update_time BIGINT NOT NULL,
			predict_time BIGINT NULL,
			user_num_us INT NULL,
			user_num_cn INT NULL,
			KEY idx_contests_title (title),
			KEY idx_contests_start (start_time),
			KEY idx_contests_end (end_time),
			KEY idx_contests_predict (predict_time)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS predict_records (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			contest_slug VARCHAR(128) NOT NULL,
			contest_id INT NOT NULL,
			username VARCHAR(128) NOT NULL,
			user_slug VARCHAR(128) NOT NULL,
			data_region VARCHAR(4) NOT NULL,
			` + "`rank`" + ` INT NOT NULL,
			score INT NOT NULL,
			finish_time BIGINT NOT NULL,
			attended_contests_count INT NOT NULL DEFAULT 0,
			old_rating DOUBLE NOT NULL DEFAULT 0,
			new_rating DOUBLE NOT NULL DEFAULT 0,
			delta_rating DOUBLE NOT NULL DEFAULT 0,
			insert_time BIGINT NOT NULL,
			predict_time BIGINT NULL,
			UNIQUE KEY uniq_predict (contest_slug, data_region, username),
			KEY idx_predict_username (username),
			KEY idx_predict_rank (contest_slug, ` + "`rank`" + `)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS archive_records (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			contest_slug VARCHAR(128) NOT NULL,
			contest_id INT NOT NULL,
			username VARCHAR(128) NOT NULL,
			user_slug VARCHAR(128) NOT NULL,
			data_region VARCHAR(4) NOT NULL,
			` + "`rank`" + ` INT NOT NULL,
			score INT NOT NULL,
			finish_time BIGINT NOT NULL,
			attended_contests_count INT NOT NULL DEFAULT 0,
			old_rating DOUBLE NOT NULL DEFAULT 0,
			new_rating DOUBLE NOT NULL DEFAULT 0,
			delta_rating DOUBLE NOT NULL DEFAULT 0,
			update_time BIGINT NOT NULL,
			real_time_rank MEDIUMTEXT NULL,
			UNIQUE KEY uniq_archive (contest_slug, data_region, username),
			KEY idx_archive_username (username),
			KEY idx_archive_rank (contest_slug, ` + "`rank`" + `),
			KEY idx_archive_update (contest_slug, update_time)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			username VARCHAR(128) NOT NULL,
			user_slug VARCHAR(128) NOT NULL,
			data_region VARCHAR(4) NOT NULL,
			attended_contests_count INT NOT NULL,
			rating DOUBLE NOT NULL,
			update_time BIGINT NOT NULL,
			UNIQUE KEY uniq_user (data_region, username),
			KEY idx_users_rating (rating),
			KEY idx_users_slug (user_slug)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS questions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			question_id INT NOT NULL,
			contest_slug VARCHAR(128) NOT NULL,
			title VARCHAR(255) NOT NULL,
			title_slug VARCHAR(255) NOT NULL,
			credit INT NOT NULL,
			qi INT NOT NULL,
			real_time_count MEDIUMTEXT NULL,
			update_time BIGINT NOT NULL,
			UNIQUE KEY uniq_question (question_id, contest_slug),
			KEY idx_questions_slug (contest_slug),
			KEY idx_questions_title_slug (title_slug)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS submissions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			contest_slug VARCHAR(128) NOT NULL,
			username VARCHAR(128) NOT NULL,
			data_region VARCHAR(4) NOT NULL,
			question_id INT NOT NULL,
			date BIGINT NOT NULL,
			fail_count INT NOT NULL,
			credit INT NOT NULL,
			submission_id BIGINT NOT NULL,
			status INT NOT NULL,
			contest_id INT NOT NULL,
			lang VARCHAR(64) NOT NULL DEFAULT '',
			update_time BIGINT NOT NULL,
			UNIQUE KEY uniq_submission (contest_slug, data_region, username, question_id),
			KEY idx_submissions_slug_date (contest_slug, date),
			KEY idx_submissions_question (contest_slug, question_id, date),
			KEY idx_submissions_update (contest_slug, update_time)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (g *MySQLGateway) Close() error {
	return g.db.Close()
}

// --- Contests ---

func (g *MySQLGateway) UpsertContest(ctx context.Context, c Contest) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO contests (slug, title, start_time, duration, end_time, past, update_time, predict_time, user_num_us, user_num_cn)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			title = VALUES(title),
			start_time = VALUES(start_time),
			duration = VALUES(duration),
			end_time = VALUES(end_time),
			past = VALUES(past),
			update_time = VALUES(update_time),
			predict_time = COALESCE(VALUES(predict_time), predict_time),
			user_num_us = COALESCE(VALUES(user_num_us), user_num_us),
			user_num_cn = COALESCE(VALUES(user_num_cn), user_num_cn)`,
		c.Slug, c.Title, ts(c.StartTime), c.Duration, ts(c.EndTime), c.Past,
		ts(c.UpdateTime), tsPtr(c.PredictTime), toInterfacePtr(c.UserNumUS), toInterfacePtr(c.UserNumCN),
	)
	if err != nil {
		return fmt.Errorf("store: upsert contest %s: %w", c.Slug, err)
	}
	return nil
}

func (g *MySQLGateway) GetContest(ctx context.Context, slug string) (Contest, error) {
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

func (g *MySQLGateway) ListContests(ctx context.Context, predictedOnly bool, skip, limit int) ([]Contest, error) {
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

func (g *MySQLGateway) CountContests(ctx context.Context, predictedOnly bool) (int, error) {
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

func (g *MySQLGateway) RecentContestStats(ctx context.Context, since time.Time, limit int) ([]Contest, error) {
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

func (g *MySQLGateway) SetContestPredictTime(ctx context.Context, slug string, t time.Time) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE contests SET predict_time = ? WHERE slug = ?`, ts(t), slug)
	if err != nil {
		return fmt.Errorf("store: set predict_time for %s: %w", slug, err)
	}
	return nil
}

func (g *MySQLGateway) SetContestUserNum(ctx context.Context, slug string, region DataRegion, n int) error {
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

const mysqlPredictColumns = "contest_slug, contest_id, username, user_slug, data_region, `rank`, score, " +
	"finish_time, attended_contests_count, old_rating, new_rating, delta_rating, insert_time, predict_time"

const mysqlArchiveColumns = "contest_slug, contest_id, username, user_slug, data_region, `rank`, score, " +
	"finish_time, attended_contests_count, old_rating, new_rating, delta_rating, update_time, real_time_rank"

func (g *MySQLGateway) ReplacePredictRecords(ctx context.Context, slug string, records []ContestRecord) (int, error) {
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
		INSERT INTO predict_records (`+mysqlPredictColumns+`)
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

func (g *MySQLGateway) PredictScorers(ctx context.Context, slug string) ([]ContestRecord, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+mysqlPredictColumns+` FROM predict_records
		WHERE contest_slug = ? AND score <> 0 ORDER BY `+"`rank`", slug)
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

func (g *MySQLGateway) FillPredictRecordUser(ctx context.Context, slug string, key UserKey, oldRating float64, attended int) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE predict_records SET old_rating = ?, attended_contests_count = ?
		WHERE contest_slug = ? AND data_region = ? AND username = ?`,
		oldRating, attended, slug, string(key.DataRegion), key.Username)
	if err != nil {
		return fmt.Errorf("store: fill predict record %s/%s: %w", slug, key.Username, err)
	}
	return nil
}

func (g *MySQLGateway) SavePredictResults(ctx context.Context, slug string, results []PredictResult, predictTime time.Time) error {
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
	return tx.Commit()
}

// --- Shared record queries ---

func (g *MySQLGateway) Records(ctx context.Context, slug string, archive bool, skip, limit int) ([]ContestRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if archive {
		rows, err = g.db.QueryContext(ctx, `
			SELECT `+mysqlArchiveColumns+` FROM archive_records
			WHERE contest_slug = ? AND score <> 0 ORDER BY `+"`rank`"+` LIMIT ? OFFSET ?`,
			slug, limit, skip)
	} else {
		rows, err = g.db.QueryContext(ctx, `
			SELECT `+mysqlPredictColumns+` FROM predict_records
			WHERE contest_slug = ? AND score <> 0 ORDER BY `+"`rank`"+` LIMIT ? OFFSET ?`,
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

func (g *MySQLGateway) CountRecords(ctx context.Context, slug string, archive bool) (int, error) {
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

func (g *MySQLGateway) UserRecords(ctx context.Context, slug, username string, archive bool) ([]ContestRecord, error) {
	lower := strings.ToLower(username)
	var (
		rows *sql.Rows
		err  error
	)
	if archive {
		rows, err = g.db.QueryContext(ctx, `
			SELECT `+mysqlArchiveColumns+` FROM archive_records
			WHERE contest_slug = ? AND username IN (?, ?) AND score <> 0`,
			slug, username, lower)
	} else {
		rows, err = g.db.QueryContext(ctx, `
			SELECT `+mysqlPredictColumns+` FROM predict_records
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

func (g *MySQLGateway) PredictedRating(ctx context.Context, slug string, key UserKey) (ContestRecord, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT `+mysqlPredictColumns+` FROM predict_records
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

func (g *MySQLGateway) RealTimeRank(ctx context.Context, slug string, key UserKey) ([]int, error) {
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

func (g *MySQLGateway) UpsertArchiveRecords(ctx context.Context, records []ContestRecord) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin archive upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO archive_records (`+mysqlArchiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			`+"`rank`"+` = VALUES(`+"`rank`"+`),
			score = VALUES(score),
			finish_time = VALUES(finish_time),
			update_time = VALUES(update_time)`)
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

func (g *MySQLGateway) DeleteObsoleteArchiveRecords(ctx context.Context, slug string, before time.Time) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		DELETE FROM archive_records WHERE contest_slug = ? AND update_time < ?`,
		slug, ts(before))
	if err != nil {
		return 0, fmt.Errorf("store: tombstone archive records for %s: %w", slug, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (g *MySQLGateway) queryUserKeys(ctx context.Context, query string, args ...interface{}) ([]UserKey, error) {
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

func (g *MySQLGateway) ArchiveScorers(ctx context.Context, slug string) ([]UserKey, error) {
	keys, err := g.queryUserKeys(ctx, `
		SELECT username, data_region FROM archive_records
		WHERE contest_slug = ? AND score <> 0`, slug)
	if err != nil {
		return nil, fmt.Errorf("store: archive scorers for %s: %w", slug, err)
	}
	return keys, nil
}

func (g *MySQLGateway) ArchiveUserKeys(ctx context.Context, slug string) ([]UserKey, error) {
	keys, err := g.queryUserKeys(ctx, `
		SELECT username, data_region FROM archive_records WHERE contest_slug = ?`, slug)
	if err != nil {
		return nil, fmt.Errorf("store: archive user keys for %s: %w", slug, err)
	}
	return keys, nil
}

func (g *MySQLGateway) SetRealTimeRank(ctx context.Context, slug string, key UserKey, ranks []int) error {
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

func (g *MySQLGateway) UpsertUser(ctx context.Context, u User) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO users (username, user_slug, data_region, attended_contests_count, rating, update_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			attended_contests_count = VALUES(attended_contests_count),
			rating = VALUES(rating),
			update_time = VALUES(update_time)`,
		u.Username, u.UserSlug, string(u.DataRegion), u.AttendedContestsCount, u.Rating, ts(u.UpdateTime))
	if err != nil {
		return fmt.Errorf("store: upsert user %s/%s: %w", u.DataRegion, u.Username, err)
	}
	return nil
}

func (g *MySQLGateway) GetUser(ctx context.Context, key UserKey) (User, error) {
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

func (g *MySQLGateway) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

func (g *MySQLGateway) UserKeysByRating(ctx context.Context, skip, limit int) ([]UserKey, error) {
	keys, err := g.queryUserKeys(ctx, `
		SELECT username, data_region FROM users
		ORDER BY rating DESC LIMIT ? OFFSET ?`, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("store: user keys by rating: %w", err)
	}
	return keys, nil
}

func (g *MySQLGateway) StalePredictUsers(ctx context.Context, slug string, olderThan time.Time) ([]UserKey, error) {
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

func (g *MySQLGateway) UpsertQuestions(ctx context.Context, qs []Question) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin question upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO questions (question_id, contest_slug, title, title_slug, credit, qi, real_time_count, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			title = VALUES(title),
			title_slug = VALUES(title_slug),
			credit = VALUES(credit),
			qi = VALUES(qi),
			update_time = VALUES(update_time)`)
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

func (g *MySQLGateway) DeleteObsoleteQuestions(ctx context.Context, slug string, before time.Time) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		DELETE FROM questions WHERE contest_slug = ? AND update_time < ?`,
		slug, ts(before))
	if err != nil {
		return 0, fmt.Errorf("store: tombstone questions for %s: %w", slug, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (g *MySQLGateway) Questions(ctx context.Context, slug string) ([]Question, error) {
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

func (g *MySQLGateway) QuestionByID(ctx context.Context, questionID int) (Question, error) {
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

func (g *MySQLGateway) SetQuestionRealTimeCount(ctx context.Context, slug string, questionID int, counts []int) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE questions SET real_time_count = ? WHERE contest_slug = ? AND question_id = ?`,
		marshalVector(counts), slug, questionID)
	if err != nil {
		return fmt.Errorf("store: set real_time_count for question %d: %w", questionID, err)
	}
	return nil
}

// --- Submissions ---

func (g *MySQLGateway) UpsertSubmissions(ctx context.Context, subs []Submission) error {
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
		ON DUPLICATE KEY UPDATE
			date = VALUES(date),
			fail_count = VALUES(fail_count),
			credit = VALUES(credit),
			lang = VALUES(lang),
			update_time = VALUES(update_time)`)
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

func (g *MySQLGateway) DeleteObsoleteSubmissions(ctx context.Context, slug string, before time.Time) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		DELETE FROM submissions WHERE contest_slug = ? AND update_time < ?`,
		slug, ts(before))
	if err != nil {
		return 0, fmt.Errorf("store: tombstone submissions for %s: %w", slug, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (g *MySQLGateway) CountSubmissionsAt(ctx context.Context, slug string, questionID int, at time.Time) (int, error) {
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

func (g *MySQLGateway) RankAtInstant(ctx context.Context, slug string, at time.Time) (map[UserKey]int, int, error) {
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
