package crawl

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

// ContestInfo is the upstream shape of one contest entry.
type ContestInfo struct {
	Title     string `json:"title"`
	TitleSlug string `json:"titleSlug"`
	StartTime int64  `json:"startTime"` // unix seconds
	Duration  int    `json:"duration"`  // seconds
}

const pastContestsQuery = `
query pastContests($pageNo: Int) {
    pastContests(pageNo: $pageNo) {
        data { title titleSlug startTime duration }
    }
}`

var (
	buildIDRe = regexp.MustCompile(`"buildId":\s*"(.*?)"`)
	pageNumRe = regexp.MustCompile(`"pageNum":\s*(\d+)`)
)

// PastContests fetches pages 1..maxPageNum of the past-contest list. Pages
// that fail to fetch or parse are skipped.
func (c *Client) PastContests(ctx context.Context, maxPageNum int) ([]ContestInfo, error) {
	reqs := make([]KeyedRequest, 0, maxPageNum)
	for page := 1; page <= maxPageNum; page++ {
		reqs = append(reqs, KeyedRequest{
			Key:    fmt.Sprintf("past-contests-page-%d", page),
			URL:    c.hostUS + "/graphql/",
			Method: http.MethodPost,
			Body: map[string]interface{}{
				"query":     pastContestsQuery,
				"variables": map[string]int{"pageNo": page},
			},
		})
	}

	responses := c.fetcher.DoWithConcurrency(ctx, reqs, 10)

	var out []ContestInfo
	for i, resp := range responses {
		if resp == nil {
			continue
		}
		var payload struct {
			Data struct {
				PastContests struct {
					Data []ContestInfo `json:"data"`
				} `json:"pastContests"`
			} `json:"data"`
		}
		if err := resp.JSON(&payload); err != nil {
			c.log.Warn("skipping unparseable past-contests page",
				zap.Int("page", i+1), zap.Error(err))
			continue
		}
		out = append(out, payload.Data.PastContests.Data...)
	}

	c.log.Info("fetched past contests",
		zap.Int("contests", len(out)), zap.Int("pages", maxPageNum))
	return out, nil
}

// RecentContests fetches only the first page of past contests, enough to
// cover everything since the previous scheduled refresh.
func (c *Client) RecentContests(ctx context.Context) ([]ContestInfo, error) {
	return c.PastContests(ctx, 1)
}

// AllPastContests discovers the page count from the contest homepage and
// fetches every page.
func (c *Client) AllPastContests(ctx context.Context) ([]ContestInfo, error) {
	html, err := c.contestHomepage(ctx)
	if err != nil {
		return nil, err
	}
	m := pageNumRe.FindStringSubmatch(html)
	if m == nil {
		return nil, fmt.Errorf("crawl: pageNum not found in contest homepage")
	}
	maxPageNum, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("crawl: parse pageNum: %w", err)
	}
	return c.PastContests(ctx, maxPageNum)
}

// NextTwoContests extracts the buildId from the contest homepage, pulls the
// Next.js data blob and digs out the two upcoming contests.
func (c *Client) NextTwoContests(ctx context.Context) ([]ContestInfo, error) {
	html, err := c.contestHomepage(ctx)
	if err != nil {
		return nil, err
	}
	m := buildIDRe.FindStringSubmatch(html)
	if m == nil {
		return nil, fmt.Errorf("crawl: buildId not found in contest homepage")
	}

	resp := c.fetcher.One(ctx, KeyedRequest{
		Key: "next-two-contests",
		URL: fmt.Sprintf("%s/_next/data/%s/contest.json", c.hostUS, m[1]),
	})
	if resp == nil {
		return nil, fmt.Errorf("crawl: fetch contest.json failed")
	}

	var payload struct {
		PageProps struct {
			DehydratedState struct {
				Queries []struct {
					State struct {
						Data struct {
							TopTwoContests []ContestInfo `json:"topTwoContests"`
						} `json:"data"`
					} `json:"state"`
				} `json:"queries"`
			} `json:"dehydratedState"`
		} `json:"pageProps"`
	}
	if err := resp.JSON(&payload); err != nil {
		return nil, fmt.Errorf("crawl: parse contest.json: %w", err)
	}

	for _, q := range payload.PageProps.DehydratedState.Queries {
		if len(q.State.Data.TopTwoContests) > 0 {
			c.log.Info("found upcoming contests",
				zap.Int("count", len(q.State.Data.TopTwoContests)))
			return q.State.Data.TopTwoContests, nil
		}
	}
	return nil, fmt.Errorf("crawl: topTwoContests not found in contest.json")
}

func (c *Client) contestHomepage(ctx context.Context) (string, error) {
	resp := c.fetcher.One(ctx, KeyedRequest{
		Key: "contest-homepage",
		URL: c.hostUS + "/contest/",
	})
	if resp == nil {
		return "", fmt.Errorf("crawl: fetch contest homepage failed")
	}
	return string(resp.Body), nil
}
