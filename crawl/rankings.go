package crawl

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lcpredict/lcpredict/store"
)

// rankingPageSize is the fixed page size of the ranking API.
const rankingPageSize = 25

// RankingEntry is one row of a ranking page's total_rank array.
type RankingEntry struct {
	ContestID  int    `json:"contest_id"`
	Username   string `json:"username"`
	UserSlug   string `json:"user_slug"`
	DataRegion string `json:"data_region"`
	Rank       int    `json:"rank"`
	Score      int    `json:"score"`
	FinishTime int64  `json:"finish_time"` // unix seconds
}

// SubmissionCell is one accepted submission in the nested submissions array,
// keyed upstream by question id.
type SubmissionCell struct {
	ID           int64  `json:"id"`
	Date         int64  `json:"date"` // unix seconds
	QuestionID   int    `json:"question_id"`
	SubmissionID int64  `json:"submission_id"`
	Status       int    `json:"status"`
	ContestID    int    `json:"contest_id"`
	DataRegion   string `json:"data_region"`
	FailCount    int    `json:"fail_count"`
	Lang         string `json:"lang"`
}

type rankingPage struct {
	UserNum     int                       `json:"user_num"`
	TotalRank   []RankingEntry            `json:"total_rank"`
	Submissions []map[string]SubmissionCell `json:"submissions"`
}

// ContestUserNum returns the participant count reported by the region's
// ranking endpoint.
func (c *Client) ContestUserNum(ctx context.Context, slug string, region store.DataRegion) (int, error) {
	regionParam := "cn"
	if region == store.RegionUS {
		regionParam = "us"
	}
	resp := c.fetcher.One(ctx, KeyedRequest{
		Key: fmt.Sprintf("user-num-%s-%s", region, slug),
		URL: fmt.Sprintf("%s/contest/api/ranking/%s/?region=%s", c.host(region), slug, regionParam),
	})
	if resp == nil {
		return 0, fmt.Errorf("crawl: fetch user_num for %s/%s failed", region, slug)
	}
	var page rankingPage
	if err := resp.JSON(&page); err != nil {
		return 0, fmt.Errorf("crawl: parse user_num for %s/%s: %w", region, slug, err)
	}
	return page.UserNum, nil
}

// ContestRankings fetches the full ranking of a contest from one region.
// It returns the ranking rows and the parallel per-row submission maps
// (keyed by question id), concatenated in page order. Pages that
// permanently fail are skipped, which keeps the two slices parallel.
//
// The US endpoint is the more ban-happy of the two, so it gets the smaller
// concurrency cap.
func (c *Client) ContestRankings(ctx context.Context, slug string, region store.DataRegion) ([]RankingEntry, []map[string]SubmissionCell, error) {
	base := c.host(region)

	first := c.fetcher.One(ctx, KeyedRequest{
		Key: fmt.Sprintf("ranking-%s-%s-first", region, slug),
		URL: fmt.Sprintf("%s/contest/api/ranking/%s/", base, slug),
	})
	if first == nil {
		return nil, nil, fmt.Errorf("crawl: fetch first ranking page for %s/%s failed", region, slug)
	}
	var firstPage rankingPage
	if err := first.JSON(&firstPage); err != nil {
		return nil, nil, fmt.Errorf("crawl: parse first ranking page for %s/%s: %w", region, slug, err)
	}

	pageMax := (firstPage.UserNum + rankingPageSize - 1) / rankingPageSize
	c.log.Info("fetching contest rankings",
		zap.String("contest", slug), zap.String("region", string(region)),
		zap.Int("user_num", firstPage.UserNum), zap.Int("pages", pageMax))

	reqs := make([]KeyedRequest, 0, pageMax)
	for page := 1; page <= pageMax; page++ {
		reqs = append(reqs, KeyedRequest{
			Key: fmt.Sprintf("ranking-%s-%s-page-%d", region, slug, page),
			URL: fmt.Sprintf("%s/contest/api/ranking/%s/?pagination=%d&region=global", base, slug, page),
		})
	}

	concurrency := 10
	if region == store.RegionUS {
		concurrency = 5
	}
	responses := c.fetcher.DoWithConcurrency(ctx, reqs, concurrency)

	var (
		records     []RankingEntry
		submissions []map[string]SubmissionCell
	)
	for i, resp := range responses {
		if resp == nil {
			continue
		}
		var page rankingPage
		if err := resp.JSON(&page); err != nil {
			c.log.Warn("skipping unparseable ranking page",
				zap.String("contest", slug), zap.Int("page", i+1), zap.Error(err))
			continue
		}
		records = append(records, page.TotalRank...)
		submissions = append(submissions, page.Submissions...)
	}

	c.log.Info("fetched contest rankings",
		zap.String("contest", slug), zap.String("region", string(region)),
		zap.Int("records", len(records)))
	return records, submissions, nil
}
