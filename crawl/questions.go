package crawl

import (
	"context"
	"fmt"

	"github.com/lcpredict/lcpredict/store"
)

// QuestionInfo is one entry of a contest's question list.
type QuestionInfo struct {
	QuestionID   int    `json:"question_id"`
	Title        string `json:"title"`
	EnglishTitle string `json:"english_title"`
	TitleSlug    string `json:"title_slug"`
	Credit       int    `json:"credit"`
}

// QuestionList fetches the contest's questions from the given region. On the
// CN side the localized title is replaced by english_title when present, so
// both regions store comparable titles.
func (c *Client) QuestionList(ctx context.Context, slug string, region store.DataRegion) ([]QuestionInfo, error) {
	resp := c.fetcher.One(ctx, KeyedRequest{
		Key: fmt.Sprintf("questions-%s-%s", region, slug),
		URL: fmt.Sprintf("%s/contest/api/info/%s/", c.host(region), slug),
	})
	if resp == nil {
		return nil, fmt.Errorf("crawl: fetch question list for %s/%s failed", region, slug)
	}

	var payload struct {
		Questions []QuestionInfo `json:"questions"`
	}
	if err := resp.JSON(&payload); err != nil {
		return nil, fmt.Errorf("crawl: parse question list for %s/%s: %w", region, slug, err)
	}

	if region == store.RegionCN {
		for i := range payload.Questions {
			if payload.Questions[i].EnglishTitle != "" {
				payload.Questions[i].Title = payload.Questions[i].EnglishTitle
			}
		}
	}
	return payload.Questions, nil
}
