package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// RSSScraper fetches discussion content from RSS/Atom feeds. Topic source
// identifiers that look like URLs are routed here; no credentials needed.
// Feed entries carry no vote data, so their engagement score is zero and
// they rank below any scored item, ties broken by insertion order.
type RSSScraper struct {
	client *http.Client
	parser *gofeed.Parser
}

// NewRSSScraper creates a feed scraper.
func NewRSSScraper() *RSSScraper {
	return &RSSScraper{
		client: &http.Client{Timeout: 30 * time.Second},
		parser: gofeed.NewParser(),
	}
}

func (r *RSSScraper) FetchTop(ctx context.Context, community, topic string, opts FetchOpts) ([]SourceItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, community, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: feed %s: %v", ErrSourceUnavailable, community, err)
	}
	req.Header.Set("User-Agent", redditUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch feed %s: %v", ErrSourceUnavailable, community, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: feed %s status %d", ErrSourceUnavailable, community, resp.StatusCode)
	}

	parsed, err := r.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse feed %s: %v", ErrSourceUnavailable, community, err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	now := time.Now().UTC()
	var items []SourceItem
	for _, entry := range parsed.Items {
		if len(items) >= limit {
			break
		}

		externalID := entry.GUID
		if externalID == "" {
			externalID = entry.Link
		}
		if externalID == "" {
			continue
		}

		link := entry.Link
		if link == "" && len(entry.Links) > 0 {
			link = entry.Links[0]
		}

		author := ""
		if entry.Author != nil {
			author = entry.Author.Name
		}

		item := SourceItem{
			ExternalID: externalID,
			Community:  community,
			Author:     author,
			Title:      entry.Title,
			Body:       excerpt(entry.Description, 2000),
			URL:        link,
			Topic:      topic,
			CapturedAt: now,
		}
		item.ComputeEngagementScore()
		items = append(items, item)
	}

	return items, nil
}
