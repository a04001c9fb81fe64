package pipeline

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// TwitterCredentials is the OAuth 1.0a credential set for one tenant.
type TwitterCredentials struct {
	APIKey            string
	APISecret         string
	AccessToken       string
	AccessTokenSecret string
}

// TwitterPublisher posts to the Twitter API v2 create-tweet endpoint,
// signing requests with OAuth 1.0a user context.
type TwitterPublisher struct {
	client  *http.Client
	creds   TwitterCredentials
	baseURL string
}

// NewTwitterPublisher creates a publisher for one credential set.
func NewTwitterPublisher(creds TwitterCredentials) *TwitterPublisher {
	return &TwitterPublisher{
		client:  &http.Client{Timeout: 30 * time.Second},
		creds:   creds,
		baseURL: "https://api.twitter.com",
	}
}

// SetBaseURL overrides the API endpoint. Used in tests.
func (p *TwitterPublisher) SetBaseURL(u string) { p.baseURL = u }

func (p *TwitterPublisher) Post(ctx context.Context, text string) (string, error) {
	endpoint := p.baseURL + "/2/tweets"

	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrPublishFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", p.authorizationHeader(http.MethodPost, endpoint))

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var errResp struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("%w: status %d: %s %s", ErrPublishFailed, resp.StatusCode, errResp.Title, errResp.Detail)
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrPublishFailed, err)
	}
	if result.Data.ID == "" {
		return "", fmt.Errorf("%w: no post id in response", ErrPublishFailed)
	}

	return result.Data.ID, nil
}

// authorizationHeader builds the OAuth 1.0a header for a JSON-body request
// (no body parameters enter the signature base string).
func (p *TwitterPublisher) authorizationHeader(method, endpoint string) string {
	params := map[string]string{
		"oauth_consumer_key":     p.creds.APIKey,
		"oauth_nonce":            nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        fmt.Sprintf("%d", time.Now().Unix()),
		"oauth_token":            p.creds.AccessToken,
		"oauth_version":          "1.0",
	}
	params["oauth_signature"] = p.sign(method, endpoint, params)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, percentEncode(k), percentEncode(params[k])))
	}
	return "OAuth " + strings.Join(pairs, ", ")
}

func (p *TwitterPublisher) sign(method, endpoint string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var encoded []string
	for _, k := range keys {
		encoded = append(encoded, percentEncode(k)+"="+percentEncode(params[k]))
	}

	base := strings.Join([]string{
		method,
		percentEncode(endpoint),
		percentEncode(strings.Join(encoded, "&")),
	}, "&")

	key := percentEncode(p.creds.APISecret) + "&" + percentEncode(p.creds.AccessTokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode implements RFC 3986 encoding as OAuth 1.0a requires.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func nonce() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
