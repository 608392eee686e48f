package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/store"
)

const (
	contestPageLimit = 25
	recordPageLimit  = 100

	// statsWindow bounds the last-ten-stats lookback.
	statsWindow = 60 * 24 * time.Hour
	statsLimit  = 10

	// maxRatingQueryUsers caps the bulk predicted-rating lookup.
	maxRatingQueryUsers = 26

	maxQuestionIDs = 4
)

// boolParam parses a query flag; absent means false.
func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// pageParams parses skip and limit with bounds; limit is clamped to max.
func pageParams(r *http.Request, defaultLimit, max int) (skip, limit int, err error) {
	q := r.URL.Query()
	skip = 0
	if v := q.Get("skip"); v != "" {
		skip, err = strconv.Atoi(v)
		if err != nil || skip < 0 {
			return 0, 0, fmt.Errorf("skip must be a non-negative integer")
		}
	}
	limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > max {
			return 0, 0, fmt.Errorf("limit must be between 1 and %d", max)
		}
	}
	return skip, limit, nil
}

// validateContest 404s unknown slugs so typos do not read as empty contests.
func (s *Server) validateContest(w http.ResponseWriter, r *http.Request, slug string) bool {
	if slug == "" {
		writeError(w, http.StatusBadRequest, "contest_slug is required")
		return false
	}
	if _, err := s.gw.GetContest(r.Context(), slug); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("No contest found with slug: '%s'", slug))
			return false
		}
		s.internalError(w, err)
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("query failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) listContests(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := pageParams(r, 10, contestPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	predictedOnly := !boolParam(r, "include_archived")
	contests, err := s.gw.ListContests(r.Context(), predictedOnly, skip, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if contests == nil {
		contests = []store.Contest{}
	}
	writeJSON(w, http.StatusOK, contests)
}

func (s *Server) countContests(w http.ResponseWriter, r *http.Request) {
	predictedOnly := !boolParam(r, "include_archived")
	n, err := s.gw.CountContests(r.Context(), predictedOnly)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// contestUserStats is the last-ten-stats row: contests that carry crawled
// participant counts for both regions.
type contestUserStats struct {
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	UsersUS   *int      `json:"users_us"`
	UsersCN   *int      `json:"users_cn"`
}

func (s *Server) lastTenStats(w http.ResponseWriter, r *http.Request) {
	contests, err := s.gw.RecentContestStats(r.Context(), s.now().Add(-statsWindow), statsLimit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	stats := make([]contestUserStats, len(contests))
	for i, c := range contests {
		stats[i] = contestUserStats{
			Slug:      c.Slug,
			Name:      c.Title,
			StartTime: c.StartTime,
			UsersUS:   c.UserNumUS,
			UsersCN:   c.UserNumCN,
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("contest_slug")
	if !s.validateContest(w, r, slug) {
		return
	}
	skip, limit, err := pageParams(r, 25, recordPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.gw.Records(r.Context(), slug, boolParam(r, "archived"), skip, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if records == nil {
		records = []store.ContestRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) countRecords(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("contest_slug")
	if !s.validateContest(w, r, slug) {
		return
	}
	n, err := s.gw.CountRecords(r.Context(), slug, boolParam(r, "archived"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) userRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slug := q.Get("contest_slug")
	if !s.validateContest(w, r, slug) {
		return
	}
	username := q.Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	records, err := s.gw.UserRecords(r.Context(), slug, username, boolParam(r, "archived"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if records == nil {
		records = []store.ContestRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type predictedRatingQuery struct {
	ContestSlug string          `json:"contest_slug"`
	Users       []store.UserKey `json:"users"`
}

type predictedRatingResult struct {
	OldRating   float64 `json:"old_rating"`
	NewRating   float64 `json:"new_rating"`
	DeltaRating float64 `json:"delta_rating"`
}

// predictedRating resolves up to 26 users in one call; unknown users yield
// null entries so the response stays positional.
func (s *Server) predictedRating(w http.ResponseWriter, r *http.Request) {
	var query predictedRatingQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(query.Users) < 1 || len(query.Users) > maxRatingQueryUsers {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("users must hold between 1 and %d entries", maxRatingQueryUsers))
		return
	}
	if !s.validateContest(w, r, query.ContestSlug) {
		return
	}

	results := make([]*predictedRatingResult, len(query.Users))
	for i, key := range query.Users {
		rec, err := s.gw.PredictedRating(r.Context(), query.ContestSlug, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.internalError(w, err)
			return
		}
		results[i] = &predictedRatingResult{
			OldRating:   rec.OldRating,
			NewRating:   rec.NewRating,
			DeltaRating: rec.DeltaRating,
		}
	}
	writeJSON(w, http.StatusOK, results)
}

type realTimeRankQuery struct {
	ContestSlug string        `json:"contest_slug"`
	User        store.UserKey `json:"user"`
}

type realTimeRankResult struct {
	RealTimeRank []int `json:"real_time_rank"`
}

func (s *Server) realTimeRank(w http.ResponseWriter, r *http.Request) {
	var query realTimeRankQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !s.validateContest(w, r, query.ContestSlug) {
		return
	}
	ranks, err := s.gw.RealTimeRank(r.Context(), query.ContestSlug, query.User)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, realTimeRankResult{RealTimeRank: ranks})
}

// questions serves either a whole contest's questions or up to four by id.
// Exactly one selector must be present.
func (s *Server) questions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slug := q.Get("contest_slug")
	idsParam := q.Get("question_ids")

	if (slug == "") == (idsParam == "") {
		writeError(w, http.StatusBadRequest, "Provide exactly one: contest_slug OR question_ids")
		return
	}

	if slug != "" {
		if !s.validateContest(w, r, slug) {
			return
		}
		questions, err := s.gw.Questions(r.Context(), slug)
		if err != nil {
			s.internalError(w, err)
			return
		}
		if questions == nil {
			questions = []store.Question{}
		}
		writeJSON(w, http.StatusOK, questions)
		return
	}

	parts := strings.Split(idsParam, ",")
	if len(parts) > maxQuestionIDs {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("question_ids holds at most %d entries", maxQuestionIDs))
		return
	}
	questions := make([]*store.Question, len(parts))
	for i, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 0 {
			writeError(w, http.StatusBadRequest, "question_ids must be non-negative integers")
			return
		}
		question, err := s.gw.QuestionByID(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.internalError(w, err)
			return
		}
		questions[i] = &question
	}
	writeJSON(w, http.StatusOK, questions)
}
