package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

const sampleFeed = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Engineering Blog</title>
    <item>
      <title>First entry</title>
      <link>https://example.com/1</link>
      <guid>guid-1</guid>
      <description>body one</description>
    </item>
    <item>
      <title>Second entry</title>
      <link>https://example.com/2</link>
      <description>body two</description>
    </item>
    <item>
      <title>Third entry</title>
      <link>https://example.com/3</link>
      <guid>guid-3</guid>
    </item>
  </channel>
</rss>`

func TestRSSFetchTop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleFeed)
	}))
	defer srv.Close()

	s := NewRSSScraper()
	items, err := s.FetchTop(context.Background(), srv.URL, "Eng", FetchOpts{Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want limit 2", len(items))
	}

	if items[0].ExternalID != "guid-1" {
		t.Fatalf("external id = %q, want guid", items[0].ExternalID)
	}
	// entries without a guid fall back to the link
	if items[1].ExternalID != "https://example.com/2" {
		t.Fatalf("fallback external id = %q", items[1].ExternalID)
	}
	if items[0].EngagementScore != 0 {
		t.Fatalf("feed items must score zero, got %v", items[0].EngagementScore)
	}
	if items[0].Topic != "Eng" {
		t.Fatalf("topic = %q", items[0].Topic)
	}
}

func TestRSSFetchTopBadFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewRSSScraper()
	_, err := s.FetchTop(context.Background(), srv.URL, "Eng", FetchOpts{})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("error = %v, want ErrSourceUnavailable", err)
	}
}
