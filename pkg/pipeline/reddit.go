package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const redditUserAgent = "postpilot/1.0"

// RedditScraper fetches top posts from subreddits using a tenant's
// application credentials (client-credentials grant, read-only).
type RedditScraper struct {
	client       *http.Client
	clientID     string
	clientSecret string
	authURL      string
	apiURL       string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewRedditScraper creates a scraper for one credential pair.
func NewRedditScraper(clientID, clientSecret string) *RedditScraper {
	return &RedditScraper{
		client:       &http.Client{Timeout: 30 * time.Second},
		clientID:     clientID,
		clientSecret: clientSecret,
		authURL:      "https://www.reddit.com",
		apiURL:       "https://oauth.reddit.com",
	}
}

// SetEndpoints overrides the API endpoints. Used in tests.
func (r *RedditScraper) SetEndpoints(authURL, apiURL string) {
	r.authURL = authURL
	r.apiURL = apiURL
}

func (r *RedditScraper) FetchTop(ctx context.Context, community, topic string, opts FetchOpts) ([]SourceItem, error) {
	if err := r.authenticate(ctx); err != nil {
		return nil, fmt.Errorf("%w: reddit auth: %v", ErrSourceUnavailable, err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}
	window := opts.Window
	if window == "" {
		window = "day"
	}

	reqURL := fmt.Sprintf("%s/r/%s/top.json?t=%s&limit=%d", r.apiURL, community, window, limit)
	var listing redditListing
	if err := r.getJSON(ctx, reqURL, &listing); err != nil {
		return nil, fmt.Errorf("%w: r/%s: %v", ErrSourceUnavailable, community, err)
	}

	now := time.Now().UTC()
	var items []SourceItem
	for _, child := range listing.Data.Children {
		post := child.Data
		if post.Stickied {
			continue
		}

		author := post.Author
		if author == "" {
			author = "[deleted]"
		}

		item := SourceItem{
			ExternalID:  post.ID,
			Community:   community,
			Author:      author,
			Title:       post.Title,
			Body:        excerpt(post.Selftext, 2000),
			Score:       post.Score,
			Comments:    post.NumComments,
			UpvoteRatio: post.UpvoteRatio,
			URL:         "https://reddit.com" + post.Permalink,
			Topic:       topic,
			CapturedAt:  now,
		}

		if opts.MaxReplies > 0 {
			replies, err := r.fetchReplies(ctx, community, post.ID, opts.MaxReplies)
			if err == nil {
				item.TopReplies = replies
			}
		}

		item.ComputeEngagementScore()
		items = append(items, item)
	}

	return items, nil
}

func (r *RedditScraper) authenticate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && time.Now().Before(r.tokenExpiry) {
		return nil
	}

	data := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.authURL+"/api/v1/access_token",
		strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}

	req.SetBasicAuth(r.clientID, r.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", redditUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}

	r.token = tokenResp.AccessToken
	r.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)
	return nil
}

// fetchReplies pulls the top comments of one post. Best-effort: callers
// drop the replies on error rather than failing the item.
func (r *RedditScraper) fetchReplies(ctx context.Context, community, postID string, max int) ([]string, error) {
	reqURL := fmt.Sprintf("%s/r/%s/comments/%s.json?sort=top&limit=%d&depth=1", r.apiURL, community, postID, max)

	// The comments endpoint returns [post listing, comment listing].
	var pages []redditListing
	if err := r.getJSON(ctx, reqURL, &pages); err != nil {
		return nil, err
	}
	if len(pages) < 2 {
		return nil, nil
	}

	var replies []string
	for _, child := range pages[1].Data.Children {
		body := child.Data.Body
		if body == "" || len(replies) >= max {
			continue
		}
		replies = append(replies, excerpt(body, 500))
	}
	return replies, nil
}

func (r *RedditScraper) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("User-Agent", redditUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditThing `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditThing struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Permalink   string  `json:"permalink"`
	Selftext    string  `json:"selftext"`
	Body        string  `json:"body"` // comments only
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	Stickied    bool    `json:"stickied"`
}

// excerpt cuts on a rune boundary so multibyte text stays valid UTF-8.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
