// Package store persists contests, ranking records, users, questions and
// submissions, and exposes the aggregations the pipeline is built on.
package store

import "time"

// DataRegion identifies which regional endpoint a record came from.
type DataRegion string

const (
	RegionCN DataRegion = "CN"
	RegionUS DataRegion = "US"
)

// NewUserRating is the rating assigned to a participant never seen before.
const NewUserRating = 1500.0

// NewUserAttended is the attended-contest count for a brand-new participant.
const NewUserAttended = 0

// Contest is the per-contest metadata document.
//
// Created on first discovery by the crawler, mutated only by the pipeline,
// never deleted.
type Contest struct {
	Slug        string     `json:"titleSlug"`
	Title       string     `json:"title"`
	StartTime   time.Time  `json:"startTime"`
	Duration    int        `json:"duration"` // seconds
	EndTime     time.Time  `json:"endTime"`
	Past        bool       `json:"past"`
	UpdateTime  time.Time  `json:"update_time"`
	PredictTime *time.Time `json:"predict_time"` // nil until first successful prediction
	UserNumUS   *int       `json:"user_num_us"`
	UserNumCN   *int       `json:"user_num_cn"`
}

// ContestRecord is the shared shape of predict and archive participant
// records. Identity is (ContestSlug, DataRegion, Username).
//
// Predict records are replaced wholesale on each pipeline run; archive
// records are upserted and tombstoned by UpdateTime. RealTimeRank is only
// populated on the archive side.
type ContestRecord struct {
	ContestSlug           string     `json:"contest_slug"`
	ContestID             int        `json:"contest_id"`
	Username              string     `json:"username"`
	UserSlug              string     `json:"user_slug"`
	DataRegion            DataRegion `json:"data_region"`
	Rank                  int        `json:"rank"`
	Score                 int        `json:"score"`
	FinishTime            time.Time  `json:"finish_time"`
	AttendedContestsCount int        `json:"attended_contests_count"`
	OldRating             float64    `json:"old_rating"`
	NewRating             float64    `json:"new_rating"`
	DeltaRating           float64    `json:"delta_rating"`
	InsertTime            time.Time  `json:"insert_time"`
	PredictTime           *time.Time `json:"predict_time"`
	UpdateTime            time.Time  `json:"update_time"`
	RealTimeRank          []int      `json:"real_time_rank,omitempty"`
}

// User is a participant profile keyed by (DataRegion, Username).
type User struct {
	Username              string     `json:"username"`
	UserSlug              string     `json:"user_slug"`
	DataRegion            DataRegion `json:"data_region"`
	AttendedContestsCount int        `json:"attended_contests_count"`
	Rating                float64    `json:"rating"`
	UpdateTime            time.Time  `json:"update_time"`
}

// UserKey identifies a participant across collections.
type UserKey struct {
	Username   string     `json:"username"`
	DataRegion DataRegion `json:"data_region"`
}

// Question is per-contest problem metadata. QuestionID is globally unique;
// QI is the 1-based position within the contest.
type Question struct {
	QuestionID    int       `json:"question_id"`
	ContestSlug   string    `json:"contest_slug"`
	Title         string    `json:"title"`
	TitleSlug     string    `json:"title_slug"`
	Credit        int       `json:"credit"`
	QI            int       `json:"qi"`
	RealTimeCount []int     `json:"real_time_count,omitempty"`
	UpdateTime    time.Time `json:"update_time"`
}

// Submission is an accepted submission row. Identity is
// (ContestSlug, DataRegion, Username, QuestionID).
type Submission struct {
	ContestSlug  string     `json:"contest_slug"`
	Username     string     `json:"username"`
	DataRegion   DataRegion `json:"data_region"`
	QuestionID   int        `json:"question_id"`
	Date         time.Time  `json:"date"` // finish instant
	FailCount    int        `json:"fail_count"`
	Credit       int        `json:"credit"`
	SubmissionID int64      `json:"submission_id"`
	Status       int        `json:"status"`
	ContestID    int        `json:"contest_id"`
	Lang         string     `json:"lang"`
	UpdateTime   time.Time  `json:"update_time"`
}

// RankRow is one group of the rank-at-instant aggregation: a participant's
// accumulated standing at a grid point.
type RankRow struct {
	Key         UserKey
	CreditSum   int
	FailSum     int
	PenaltyDate time.Time
	Rank        int
}
