package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/crawl"
	"github.com/lcpredict/lcpredict/rating"
	"github.com/lcpredict/lcpredict/store"
)

var (
	testStart = time.Date(2025, 6, 1, 2, 30, 0, 0, time.UTC)
	testNow   = testStart.Add(2 * time.Hour)
)

type fakeRating struct {
	rating   float64
	attended int
}

// fakeCrawler serves canned upstream responses. Safe for the concurrent
// user-refresh path.
type fakeCrawler struct {
	mu sync.Mutex

	entries map[store.DataRegion][]crawl.RankingEntry
	cells   map[store.DataRegion][]map[string]crawl.SubmissionCell

	userNums    []int
	userNumCall int

	recent    []crawl.ContestInfo
	upcoming  []crawl.ContestInfo
	questions []crawl.QuestionInfo

	ratings     map[string]fakeRating
	ratingCalls []string
}

func (f *fakeCrawler) ContestRankings(_ context.Context, _ string, region store.DataRegion) ([]crawl.RankingEntry, []map[string]crawl.SubmissionCell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[region], f.cells[region], nil
}

func (f *fakeCrawler) ContestUserNum(context.Context, string, store.DataRegion) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.userNumCall
	f.userNumCall++
	if i >= len(f.userNums) {
		i = len(f.userNums) - 1
	}
	return f.userNums[i], nil
}

func (f *fakeCrawler) RecentContests(context.Context) ([]crawl.ContestInfo, error) {
	return f.recent, nil
}

func (f *fakeCrawler) NextTwoContests(context.Context) ([]crawl.ContestInfo, error) {
	return f.upcoming, nil
}

func (f *fakeCrawler) AllPastContests(context.Context) ([]crawl.ContestInfo, error) {
	return f.recent, nil
}

func (f *fakeCrawler) QuestionList(context.Context, string, store.DataRegion) ([]crawl.QuestionInfo, error) {
	return f.questions, nil
}

func (f *fakeCrawler) UserRating(_ context.Context, _ store.DataRegion, username string) (*float64, *int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratingCalls = append(f.ratingCalls, username)
	r, ok := f.ratings[username]
	if !ok {
		return nil, nil, nil
	}
	return &r.rating, &r.attended, nil
}

func testPipeline(t *testing.T) (*Pipeline, *store.MemGateway, *fakeCrawler) {
	t.Helper()
	gw := store.NewMemGateway()
	t.Cleanup(func() { _ = gw.Close() })

	fc := &fakeCrawler{
		entries:  map[store.DataRegion][]crawl.RankingEntry{},
		cells:    map[store.DataRegion][]map[string]crawl.SubmissionCell{},
		userNums: []int{10, 10},
		ratings:  map[string]fakeRating{},
	}
	engine, err := rating.New(rating.KindIterative)
	require.NoError(t, err)
	p := New(gw, fc, engine, func(string) (time.Time, error) {
		return testStart, nil
	}, zap.NewNop(), nil)
	p.now = func() time.Time { return testNow }
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p, gw, fc
}

func cnEntry(username string, rank, score int, finish time.Time) crawl.RankingEntry {
	return crawl.RankingEntry{
		Username:   username,
		UserSlug:   username,
		DataRegion: "CN",
		Rank:       rank,
		Score:      score,
		FinishTime: finish.Unix(),
	}
}

func seedUser(t *testing.T, gw *store.MemGateway, username string, r float64, attended int) {
	t.Helper()
	require.NoError(t, gw.UpsertUser(context.Background(), store.User{
		Username:              username,
		UserSlug:              username,
		DataRegion:            store.RegionCN,
		Rating:                r,
		AttendedContestsCount: attended,
		UpdateTime:            testNow,
	}))
}

func TestRunPipeline_BiweeklyWritesRatingsBack(t *testing.T) {
	p, gw, fc := testPipeline(t)
	ctx := context.Background()
	slug := "biweekly-contest-80"

	fc.recent = []crawl.ContestInfo{{
		Title: "Biweekly Contest 80", TitleSlug: slug,
		StartTime: testStart.Unix(), Duration: 5400,
	}}
	fc.entries[store.RegionCN] = []crawl.RankingEntry{
		cnEntry("alice", 1, 300, testStart.Add(20*time.Minute)),
		cnEntry("bob", 2, 200, testStart.Add(40*time.Minute)),
		cnEntry("idle", 3, 0, testStart),
	}
	fc.cells[store.RegionCN] = []map[string]crawl.SubmissionCell{
		{"101": {QuestionID: 101, Date: testStart.Add(20 * time.Minute).Unix()}},
		{"101": {QuestionID: 101, Date: testStart.Add(40 * time.Minute).Unix(), FailCount: 1}},
		{},
	}
	fc.questions = []crawl.QuestionInfo{{QuestionID: 101, Title: "Two Sum Redux", TitleSlug: "two-sum-redux", Credit: 3}}

	seedUser(t, gw, "alice", 2100, 40)
	seedUser(t, gw, "bob", 1600, 12)
	seedUser(t, gw, "idle", 1500, 1)

	require.NoError(t, p.RunPipeline(ctx, slug))

	// Deltas are stamped on the predict records.
	rec, err := gw.PredictedRating(ctx, slug, store.UserKey{Username: "alice", DataRegion: store.RegionCN})
	require.NoError(t, err)
	require.Equal(t, 2100.0, rec.OldRating)
	require.Equal(t, rec.OldRating+rec.DeltaRating, rec.NewRating)
	require.NotNil(t, rec.PredictTime)

	// Biweekly contests push the new rating into the profile right away.
	alice, err := gw.GetUser(ctx, store.UserKey{Username: "alice", DataRegion: store.RegionCN})
	require.NoError(t, err)
	require.Equal(t, rec.NewRating, alice.Rating)
	require.Equal(t, 41, alice.AttendedContestsCount)

	bob, err := gw.GetUser(ctx, store.UserKey{Username: "bob", DataRegion: store.RegionCN})
	require.NoError(t, err)
	require.Equal(t, 13, bob.AttendedContestsCount)
	require.Greater(t, alice.Rating, 2100.0-100)

	// Zero-score participants never enter the computation or the writeback.
	idle, err := gw.GetUser(ctx, store.UserKey{Username: "idle", DataRegion: store.RegionCN})
	require.NoError(t, err)
	require.Equal(t, 1500.0, idle.Rating)
	require.Equal(t, 1, idle.AttendedContestsCount)

	c, err := gw.GetContest(ctx, slug)
	require.NoError(t, err)
	require.NotNil(t, c.PredictTime)

	// The archive pass ran too.
	n, err := gw.CountRecords(ctx, slug, true)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRunPipeline_WeeklySkipsWriteback(t *testing.T) {
	p, gw, fc := testPipeline(t)
	ctx := context.Background()
	slug := "weekly-contest-300"

	fc.recent = []crawl.ContestInfo{{
		Title: "Weekly Contest 300", TitleSlug: slug,
		StartTime: testStart.Unix(), Duration: 5400,
	}}
	fc.entries[store.RegionCN] = []crawl.RankingEntry{
		cnEntry("alice", 1, 300, testStart.Add(20*time.Minute)),
	}
	fc.cells[store.RegionCN] = []map[string]crawl.SubmissionCell{
		{"101": {QuestionID: 101, Date: testStart.Add(20 * time.Minute).Unix()}},
	}
	fc.questions = []crawl.QuestionInfo{{QuestionID: 101, Credit: 3}}
	seedUser(t, gw, "alice", 2100, 40)

	require.NoError(t, p.RunPipeline(ctx, slug))

	rec, err := gw.PredictedRating(ctx, slug, store.UserKey{Username: "alice", DataRegion: store.RegionCN})
	require.NoError(t, err)
	require.NotZero(t, rec.NewRating)

	// Weekly profiles are left alone until the next crawler refresh.
	alice, err := gw.GetUser(ctx, store.UserKey{Username: "alice", DataRegion: store.RegionCN})
	require.NoError(t, err)
	require.Equal(t, 2100.0, alice.Rating)
	require.Equal(t, 40, alice.AttendedContestsCount)
}

func TestSavePredictRecords_UnknownUserGetsDefaults(t *testing.T) {
	p, gw, fc := testPipeline(t)
	ctx := context.Background()
	slug := "weekly-contest-301"

	fc.entries[store.RegionCN] = []crawl.RankingEntry{
		cnEntry("newcomer", 1, 300, testStart.Add(15*time.Minute)),
	}

	require.NoError(t, p.SavePredictRecords(ctx, slug, store.RegionCN))

	u, err := gw.GetUser(ctx, store.UserKey{Username: "newcomer", DataRegion: store.RegionCN})
	require.NoError(t, err)
	require.Equal(t, store.NewUserRating, u.Rating)
	require.Equal(t, store.NewUserAttended, u.AttendedContestsCount)
	require.Equal(t, []string{"newcomer"}, fc.ratingCalls)

	scorers, err := gw.PredictScorers(ctx, slug)
	require.NoError(t, err)
	require.Len(t, scorers, 1)
	require.Equal(t, store.NewUserRating, scorers[0].OldRating)
}

func TestSavePredictRecords_USKeyedByUserSlug(t *testing.T) {
	p, gw, fc := testPipeline(t)
	ctx := context.Background()
	slug := "weekly-contest-301"

	fc.entries[store.RegionUS] = []crawl.RankingEntry{{
		Username:   "Display Name",
		UserSlug:   "display-name",
		DataRegion: "US",
		Rank:       1,
		Score:      200,
		FinishTime: testStart.Add(30 * time.Minute).Unix(),
	}}
	fc.ratings["display-name"] = fakeRating{rating: 1800, attended: 9}

	require.NoError(t, p.SavePredictRecords(ctx, slug, store.RegionUS))

	scorers, err := gw.PredictScorers(ctx, slug)
	require.NoError(t, err)
	require.Len(t, scorers, 1)
	require.Equal(t, "display-name", scorers[0].Username)
	require.Equal(t, 1800.0, scorers[0].OldRating)
	require.Equal(t, 9, scorers[0].AttendedContestsCount)
}

func TestSavePredictRecords_FreshUsersNotRefetched(t *testing.T) {
	p, gw, fc := testPipeline(t)
	ctx := context.Background()
	slug := "weekly-contest-301"

	fc.entries[store.RegionCN] = []crawl.RankingEntry{
		cnEntry("alice", 1, 300, testStart.Add(20*time.Minute)),
	}
	seedUser(t, gw, "alice", 2000, 20)

	require.NoError(t, p.SavePredictRecords(ctx, slug, store.RegionCN))
	require.Empty(t, fc.ratingCalls)
}

func TestSaveArchiveRecords_RealTimeGridAndSentinel(t *testing.T) {
	p, gw, fc := testPipeline(t)
	ctx := context.Background()
	slug := "weekly-contest-302"
	p.gridStep = 30 * time.Minute // grid at +30, +60, +90

	fc.entries[store.RegionCN] = []crawl.RankingEntry{
		cnEntry("a", 1, 300, testStart.Add(10*time.Minute)),
		cnEntry("b", 2, 300, testStart.Add(20*time.Minute)),
		cnEntry("c", 3, 300, testStart.Add(40*time.Minute)),
		cnEntry("d", 4, 100, testStart), // registered, nothing accepted
	}
	fc.cells[store.RegionCN] = []map[string]crawl.SubmissionCell{
		{"101": {QuestionID: 101, Date: testStart.Add(10 * time.Minute).Unix()}},
		{"101": {QuestionID: 101, Date: testStart.Add(20 * time.Minute).Unix(), FailCount: 1}},
		{"101": {QuestionID: 101, Date: testStart.Add(40 * time.Minute).Unix(), FailCount: 2}},
		{},
	}
	fc.questions = []crawl.QuestionInfo{{QuestionID: 101, Title: "Q1", Credit: 3}}

	require.NoError(t, p.SaveArchiveRecords(ctx, slug, store.RegionCN, false))

	rank := func(user string) []int {
		ranks, err := gw.RealTimeRank(ctx, slug, store.UserKey{Username: user, DataRegion: store.RegionCN})
		require.NoError(t, err)
		return ranks
	}
	// At +30 only a and b have accepted; c and d carry the sentinel rank.
	require.Equal(t, []int{1, 1, 1}, rank("a"))
	require.Equal(t, []int{2, 2, 2}, rank("b"))
	require.Equal(t, []int{3, 3, 3}, rank("c"))
	require.Equal(t, []int{3, 4, 4}, rank("d"))

	qs, err := gw.Questions(ctx, slug)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	require.Equal(t, 1, qs[0].QI)
	require.Equal(t, []int{2, 3, 3}, qs[0].RealTimeCount)
}

func TestWaitForCNData_ReadyOnStableCount(t *testing.T) {
	p, _, fc := testPipeline(t)
	fc.userNums = []int{0, 100, 150, 150}

	var slept int
	p.sleep = func(context.Context, time.Duration) error {
		slept++
		return nil
	}

	require.NoError(t, p.waitForCNData(context.Background(), "weekly-contest-300"))
	require.Equal(t, 4, fc.userNumCall)
	require.Equal(t, 3, slept)
}

func TestWaitForCNData_GivesUpAfterBudget(t *testing.T) {
	p, _, fc := testPipeline(t)
	fc.userNums = []int{1}

	// The count keeps changing, so stability is never observed.
	grow := 0
	p.sleep = func(context.Context, time.Duration) error {
		grow++
		fc.mu.Lock()
		fc.userNums = append(fc.userNums, grow+1)
		fc.mu.Unlock()
		return nil
	}

	err := p.waitForCNData(context.Background(), "weekly-contest-300")
	require.Error(t, err)
	require.Equal(t, readinessAttempts, grow)
}

func TestRefreshAllUsers(t *testing.T) {
	p, gw, fc := testPipeline(t)
	ctx := context.Background()

	seedUser(t, gw, "alice", 2100, 40)
	seedUser(t, gw, "vanished", 1700, 5)
	fc.ratings["alice"] = fakeRating{rating: 2222, attended: 41}

	require.NoError(t, p.RefreshAllUsers(ctx))

	alice, err := gw.GetUser(ctx, store.UserKey{Username: "alice", DataRegion: store.RegionCN})
	require.NoError(t, err)
	require.Equal(t, 2222.0, alice.Rating)
	require.Equal(t, 41, alice.AttendedContestsCount)

	// Users the upstream no longer knows keep their stored profile.
	vanished, err := gw.GetUser(ctx, store.UserKey{Username: "vanished", DataRegion: store.RegionCN})
	require.NoError(t, err)
	require.Equal(t, 1700.0, vanished.Rating)
	require.Equal(t, 5, vanished.AttendedContestsCount)
}

func TestIsBiweekly(t *testing.T) {
	require.True(t, isBiweekly("biweekly-contest-80"))
	require.True(t, isBiweekly("Biweekly-Contest-80"))
	require.False(t, isBiweekly("weekly-contest-300"))
}
