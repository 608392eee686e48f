package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemGateway is a map-backed Gateway used by pipeline and API tests. It
// mirrors the SQL gateways' matching and ordering semantics but keeps
// everything in process memory.
type MemGateway struct {
	mu sync.Mutex

	contests    map[string]Contest
	predict     map[string]map[UserKey]ContestRecord
	archive     map[string]map[UserKey]ContestRecord
	users       map[UserKey]User
	questions   map[string][]Question
	submissions map[string]map[UserKey]map[int]Submission
}

// NewMemGateway returns an empty in-memory gateway.
func NewMemGateway() *MemGateway {
	return &MemGateway{
		contests:    make(map[string]Contest),
		predict:     make(map[string]map[UserKey]ContestRecord),
		archive:     make(map[string]map[UserKey]ContestRecord),
		users:       make(map[UserKey]User),
		questions:   make(map[string][]Question),
		submissions: make(map[string]map[UserKey]map[int]Submission),
	}
}

func (g *MemGateway) Close() error { return nil }

// --- Contests ---

func (g *MemGateway) UpsertContest(_ context.Context, c Contest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.contests[c.Slug]; ok {
		if c.PredictTime == nil {
			c.PredictTime = prev.PredictTime
		}
		if c.UserNumUS == nil {
			c.UserNumUS = prev.UserNumUS
		}
		if c.UserNumCN == nil {
			c.UserNumCN = prev.UserNumCN
		}
	}
	g.contests[c.Slug] = c
	return nil
}

func (g *MemGateway) GetContest(_ context.Context, slug string) (Contest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.contests[slug]
	if !ok {
		return Contest{}, ErrNotFound
	}
	return c, nil
}

func (g *MemGateway) sortedContests(predictedOnly bool) []Contest {
	var out []Contest
	for _, c := range g.contests {
		if predictedOnly && c.PredictTime == nil {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

func page[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (g *MemGateway) ListContests(_ context.Context, predictedOnly bool, skip, limit int) ([]Contest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return page(g.sortedContests(predictedOnly), skip, limit), nil
}

func (g *MemGateway) CountContests(_ context.Context, predictedOnly bool) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sortedContests(predictedOnly)), nil
}

func (g *MemGateway) RecentContestStats(_ context.Context, since time.Time, limit int) ([]Contest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Contest
	for _, c := range g.sortedContests(false) {
		if !c.StartTime.After(since) || c.UserNumUS == nil || c.UserNumCN == nil {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (g *MemGateway) SetContestPredictTime(_ context.Context, slug string, t time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.contests[slug]; ok {
		c.PredictTime = &t
		g.contests[slug] = c
	}
	return nil
}

func (g *MemGateway) SetContestUserNum(_ context.Context, slug string, region DataRegion, n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.contests[slug]; ok {
		if region == RegionUS {
			c.UserNumUS = &n
		} else {
			c.UserNumCN = &n
		}
		g.contests[slug] = c
	}
	return nil
}

// --- Predict records ---

func recordKey(r ContestRecord) UserKey {
	return UserKey{Username: r.Username, DataRegion: r.DataRegion}
}

func (g *MemGateway) ReplacePredictRecords(_ context.Context, slug string, records []ContestRecord) (int, error) {
	kept, dropped := DedupeRecords(records)
	g.mu.Lock()
	defer g.mu.Unlock()
	set := make(map[UserKey]ContestRecord, len(kept))
	for _, r := range kept {
		set[recordKey(r)] = r
	}
	g.predict[slug] = set
	return dropped, nil
}

func sortByRank(records []ContestRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Rank < records[j].Rank })
}

func (g *MemGateway) PredictScorers(_ context.Context, slug string) ([]ContestRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ContestRecord
	for _, r := range g.predict[slug] {
		if r.Score != 0 {
			out = append(out, r)
		}
	}
	sortByRank(out)
	return out, nil
}

func (g *MemGateway) FillPredictRecordUser(_ context.Context, slug string, key UserKey, oldRating float64, attended int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.predict[slug][key]; ok {
		r.OldRating = oldRating
		r.AttendedContestsCount = attended
		g.predict[slug][key] = r
	}
	return nil
}

func (g *MemGateway) SavePredictResults(_ context.Context, slug string, results []PredictResult, predictTime time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, res := range results {
		r, ok := g.predict[slug][res.Key]
		if !ok {
			continue
		}
		r.OldRating = res.OldRating
		r.NewRating = res.NewRating
		r.DeltaRating = res.DeltaRating
		t := predictTime
		r.PredictTime = &t
		g.predict[slug][res.Key] = r
	}
	return nil
}

// --- Shared record queries ---

func (g *MemGateway) side(slug string, archive bool) map[UserKey]ContestRecord {
	if archive {
		return g.archive[slug]
	}
	return g.predict[slug]
}

func (g *MemGateway) Records(_ context.Context, slug string, archive bool, skip, limit int) ([]ContestRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ContestRecord
	for _, r := range g.side(slug, archive) {
		if r.Score != 0 {
			out = append(out, r)
		}
	}
	sortByRank(out)
	return page(out, skip, limit), nil
}

func (g *MemGateway) CountRecords(_ context.Context, slug string, archive bool) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.side(slug, archive) {
		if r.Score != 0 {
			n++
		}
	}
	return n, nil
}

func (g *MemGateway) UserRecords(_ context.Context, slug, username string, archive bool) ([]ContestRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	lower := strings.ToLower(username)
	var out []ContestRecord
	for _, r := range g.side(slug, archive) {
		if r.Score != 0 && (r.Username == username || r.Username == lower) {
			out = append(out, r)
		}
	}
	sortByRank(out)
	return out, nil
}

func (g *MemGateway) PredictedRating(_ context.Context, slug string, key UserKey) (ContestRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.predict[slug][key]
	if !ok {
		return ContestRecord{}, ErrNotFound
	}
	return r, nil
}

func (g *MemGateway) RealTimeRank(_ context.Context, slug string, key UserKey) ([]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.archive[slug][key]
	if !ok {
		return nil, ErrNotFound
	}
	return r.RealTimeRank, nil
}

// --- Archive records ---

func (g *MemGateway) UpsertArchiveRecords(_ context.Context, records []ContestRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range records {
		set := g.archive[r.ContestSlug]
		if set == nil {
			set = make(map[UserKey]ContestRecord)
			g.archive[r.ContestSlug] = set
		}
		key := recordKey(r)
		if prev, ok := set[key]; ok {
			prev.Rank = r.Rank
			prev.Score = r.Score
			prev.FinishTime = r.FinishTime
			prev.UpdateTime = r.UpdateTime
			set[key] = prev
			continue
		}
		set[key] = r
	}
	return nil
}

func (g *MemGateway) DeleteObsoleteArchiveRecords(_ context.Context, slug string, before time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key, r := range g.archive[slug] {
		if r.UpdateTime.Before(before) {
			delete(g.archive[slug], key)
			n++
		}
	}
	return n, nil
}

func (g *MemGateway) ArchiveScorers(_ context.Context, slug string) ([]UserKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []UserKey
	for key, r := range g.archive[slug] {
		if r.Score != 0 {
			out = append(out, key)
		}
	}
	return out, nil
}

func (g *MemGateway) ArchiveUserKeys(_ context.Context, slug string) ([]UserKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []UserKey
	for key := range g.archive[slug] {
		out = append(out, key)
	}
	return out, nil
}

func (g *MemGateway) SetRealTimeRank(_ context.Context, slug string, key UserKey, ranks []int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.archive[slug][key]; ok {
		r.RealTimeRank = ranks
		g.archive[slug][key] = r
	}
	return nil
}

// --- Users ---

func (g *MemGateway) UpsertUser(_ context.Context, u User) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[UserKey{Username: u.Username, DataRegion: u.DataRegion}] = u
	return nil
}

func (g *MemGateway) GetUser(_ context.Context, key UserKey) (User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.users[key]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (g *MemGateway) CountUsers(_ context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users), nil
}

func (g *MemGateway) UserKeysByRating(_ context.Context, skip, limit int) ([]UserKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	users := make([]User, 0, len(g.users))
	for _, u := range g.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Rating > users[j].Rating })
	keys := make([]UserKey, len(users))
	for i, u := range users {
		keys[i] = UserKey{Username: u.Username, DataRegion: u.DataRegion}
	}
	return page(keys, skip, limit), nil
}

func (g *MemGateway) StalePredictUsers(_ context.Context, slug string, olderThan time.Time) ([]UserKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []UserKey
	for key, r := range g.predict[slug] {
		if r.Score == 0 {
			continue
		}
		u, ok := g.users[key]
		if !ok || u.UpdateTime.Before(olderThan) {
			out = append(out, key)
		}
	}
	return out, nil
}

// --- Questions ---

func (g *MemGateway) UpsertQuestions(_ context.Context, qs []Question) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, q := range qs {
		existing := g.questions[q.ContestSlug]
		replaced := false
		for i, prev := range existing {
			if prev.QuestionID == q.QuestionID {
				q.RealTimeCount = prev.RealTimeCount
				existing[i] = q
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, q)
		}
		g.questions[q.ContestSlug] = existing
	}
	return nil
}

func (g *MemGateway) DeleteObsoleteQuestions(_ context.Context, slug string, before time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.questions[slug][:0]
	n := 0
	for _, q := range g.questions[slug] {
		if q.UpdateTime.Before(before) {
			n++
			continue
		}
		kept = append(kept, q)
	}
	g.questions[slug] = kept
	return n, nil
}

func (g *MemGateway) Questions(_ context.Context, slug string) ([]Question, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]Question(nil), g.questions[slug]...)
	sort.Slice(out, func(i, j int) bool { return out[i].QI < out[j].QI })
	return out, nil
}

func (g *MemGateway) QuestionByID(_ context.Context, questionID int) (Question, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, qs := range g.questions {
		for _, q := range qs {
			if q.QuestionID == questionID {
				return q, nil
			}
		}
	}
	return Question{}, ErrNotFound
}

func (g *MemGateway) SetQuestionRealTimeCount(_ context.Context, slug string, questionID int, counts []int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, q := range g.questions[slug] {
		if q.QuestionID == questionID {
			g.questions[slug][i].RealTimeCount = counts
			return nil
		}
	}
	return nil
}

// --- Submissions ---

func (g *MemGateway) UpsertSubmissions(_ context.Context, subs []Submission) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range subs {
		byUser := g.submissions[s.ContestSlug]
		if byUser == nil {
			byUser = make(map[UserKey]map[int]Submission)
			g.submissions[s.ContestSlug] = byUser
		}
		key := UserKey{Username: s.Username, DataRegion: s.DataRegion}
		byQuestion := byUser[key]
		if byQuestion == nil {
			byQuestion = make(map[int]Submission)
			byUser[key] = byQuestion
		}
		byQuestion[s.QuestionID] = s
	}
	return nil
}

func (g *MemGateway) DeleteObsoleteSubmissions(_ context.Context, slug string, before time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key, byQuestion := range g.submissions[slug] {
		for qid, s := range byQuestion {
			if s.UpdateTime.Before(before) {
				delete(byQuestion, qid)
				n++
			}
		}
		if len(byQuestion) == 0 {
			delete(g.submissions[slug], key)
		}
	}
	return n, nil
}

func (g *MemGateway) CountSubmissionsAt(_ context.Context, slug string, questionID int, at time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, byQuestion := range g.submissions[slug] {
		if s, ok := byQuestion[questionID]; ok && !s.Date.After(at) {
			n++
		}
	}
	return n, nil
}

func (g *MemGateway) RankAtInstant(_ context.Context, slug string, at time.Time) (map[UserKey]int, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var groups []RankRow
	for key, byQuestion := range g.submissions[slug] {
		row := RankRow{Key: key}
		var dateMax time.Time
		seen := false
		for _, s := range byQuestion {
			if s.Date.After(at) {
				continue
			}
			seen = true
			row.CreditSum += s.Credit
			row.FailSum += s.FailCount
			if s.Date.After(dateMax) {
				dateMax = s.Date
			}
		}
		if !seen {
			continue
		}
		row.PenaltyDate = dateMax.Add(time.Duration(row.FailSum) * 5 * time.Minute)
		groups = append(groups, row)
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].CreditSum != groups[j].CreditSum {
			return groups[i].CreditSum > groups[j].CreditSum
		}
		if !groups[i].PenaltyDate.Equal(groups[j].PenaltyDate) {
			return groups[i].PenaltyDate.Before(groups[j].PenaltyDate)
		}
		// Stable order for ties so ranks are deterministic across runs.
		if groups[i].Key.Username != groups[j].Key.Username {
			return groups[i].Key.Username < groups[j].Key.Username
		}
		return groups[i].Key.DataRegion < groups[j].Key.DataRegion
	})
	AssignTieRanks(groups)

	rankMap := make(map[UserKey]int, len(groups))
	for _, row := range groups {
		rankMap[row.Key] = row.Rank
	}
	return rankMap, len(groups), nil
}
