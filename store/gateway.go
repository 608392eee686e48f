package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// PredictResult carries one participant's computed delta back into the
// predict collection.
type PredictResult struct {
	Key         UserKey
	OldRating   float64
	NewRating   float64
	DeltaRating float64
}

// Gateway exposes collection-level operations on the six entity types.
//
// All writes are idempotent: replace (delete-then-insert), upsert by natural
// key, or tombstone by timestamp. Re-running a pipeline converges on the
// intended state.
//
// Implementations: SQLiteGateway (modernc.org/sqlite), MySQLGateway
// (go-sql-driver/mysql), MemGateway (tests).
type Gateway interface {
	// Contests.

	// UpsertContest matches on slug and replaces the mutable metadata,
	// inserting on miss. PredictTime is preserved unless set on the argument.
	UpsertContest(ctx context.Context, c Contest) error
	GetContest(ctx context.Context, slug string) (Contest, error)
	// ListContests returns contests ordered by start time descending.
	// When predictedOnly is true only contests with a predict_time are
	// returned.
	ListContests(ctx context.Context, predictedOnly bool, skip, limit int) ([]Contest, error)
	CountContests(ctx context.Context, predictedOnly bool) (int, error)
	// RecentContestStats returns up to limit contests started after the given
	// instant that carry participant counts for both regions.
	RecentContestStats(ctx context.Context, since time.Time, limit int) ([]Contest, error)
	SetContestPredictTime(ctx context.Context, slug string, t time.Time) error
	SetContestUserNum(ctx context.Context, slug string, region DataRegion, n int) error

	// Predict records.

	// ReplacePredictRecords wipes prior predictions for the slug and inserts
	// the fresh set. Duplicates on (DataRegion, Username) are dropped
	// client-side, first occurrence wins; the number dropped is returned.
	ReplacePredictRecords(ctx context.Context, slug string, records []ContestRecord) (dropped int, err error)
	// PredictScorers returns the records with nonzero score ordered by rank.
	PredictScorers(ctx context.Context, slug string) ([]ContestRecord, error)
	// FillPredictRecordUser sets old_rating and attended_contests_count from
	// the User collection onto one predict record.
	FillPredictRecordUser(ctx context.Context, slug string, key UserKey, oldRating float64, attended int) error
	// SavePredictResults persists computed deltas and stamps predict_time.
	SavePredictResults(ctx context.Context, slug string, results []PredictResult, predictTime time.Time) error

	// Shared record queries (predict or archive side).

	Records(ctx context.Context, slug string, archive bool, skip, limit int) ([]ContestRecord, error)
	CountRecords(ctx context.Context, slug string, archive bool) (int, error)
	// UserRecords matches the username exactly or lowercased.
	UserRecords(ctx context.Context, slug, username string, archive bool) ([]ContestRecord, error)
	PredictedRating(ctx context.Context, slug string, key UserKey) (ContestRecord, error)
	RealTimeRank(ctx context.Context, slug string, key UserKey) ([]int, error)

	// Archive records.

	// UpsertArchiveRecords matches on identity and sets rank, score,
	// finish_time and update_time, inserting the full record on miss.
	UpsertArchiveRecords(ctx context.Context, records []ContestRecord) error
	// DeleteObsoleteArchiveRecords tombstones records of the contest whose
	// update_time predates the pass start.
	DeleteObsoleteArchiveRecords(ctx context.Context, slug string, before time.Time) (int, error)
	// ArchiveScorers returns the keys of archive participants with nonzero
	// score.
	ArchiveScorers(ctx context.Context, slug string) ([]UserKey, error)
	// ArchiveUserKeys returns every participant key of the contest.
	ArchiveUserKeys(ctx context.Context, slug string) ([]UserKey, error)
	SetRealTimeRank(ctx context.Context, slug string, key UserKey, ranks []int) error

	// Users.

	// UpsertUser matches on (DataRegion, Username) and sets rating, attended
	// count and update_time, inserting on miss.
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, key UserKey) (User, error)
	CountUsers(ctx context.Context) (int, error)
	// UserKeysByRating pages through all users ordered by rating descending.
	UserKeysByRating(ctx context.Context, skip, limit int) ([]UserKey, error)
	// StalePredictUsers selects participants of the contest with nonzero
	// score whose User document is older than the given instant or absent.
	StalePredictUsers(ctx context.Context, slug string, olderThan time.Time) ([]UserKey, error)

	// Questions.

	UpsertQuestions(ctx context.Context, qs []Question) error
	DeleteObsoleteQuestions(ctx context.Context, slug string, before time.Time) (int, error)
	Questions(ctx context.Context, slug string) ([]Question, error)
	QuestionByID(ctx context.Context, questionID int) (Question, error)
	SetQuestionRealTimeCount(ctx context.Context, slug string, questionID int, counts []int) error

	// Submissions.

	UpsertSubmissions(ctx context.Context, subs []Submission) error
	DeleteObsoleteSubmissions(ctx context.Context, slug string, before time.Time) (int, error)
	// CountSubmissionsAt counts accepted submissions for a question at a grid
	// instant.
	CountSubmissionsAt(ctx context.Context, slug string, questionID int, at time.Time) (int, error)

	// RankAtInstant groups the contest's submissions dated at or before the
	// instant by participant, orders groups by (credit desc, penalty asc) and
	// assigns tie-aware ranks. It returns the rank per participant and the
	// raw count of ranked participants.
	RankAtInstant(ctx context.Context, slug string, at time.Time) (map[UserKey]int, int, error)

	Close() error
}

// DedupeRecords drops records sharing a (DataRegion, Username) key, keeping
// the first occurrence. Returns the kept set and the dropped count.
func DedupeRecords(records []ContestRecord) ([]ContestRecord, int) {
	seen := make(map[UserKey]struct{}, len(records))
	kept := records[:0:0]
	dropped := 0
	for _, r := range records {
		key := UserKey{Username: r.Username, DataRegion: r.DataRegion}
		if _, dup := seen[key]; dup {
			dropped++
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, r)
	}
	return kept, dropped
}

// AssignTieRanks walks rows already ordered by (credit desc, penalty asc) and
// fills Rank: rows sharing both credit sum and penalty date share the rank of
// the first row of the tied group, otherwise the rank is the raw 1-based
// position.
func AssignTieRanks(rows []RankRow) {
	tieRank := 0
	for i := range rows {
		raw := i + 1
		if i > 0 && rows[i].CreditSum == rows[i-1].CreditSum && rows[i].PenaltyDate.Equal(rows[i-1].PenaltyDate) {
			rows[i].Rank = tieRank
			continue
		}
		tieRank = raw
		rows[i].Rank = raw
	}
}
