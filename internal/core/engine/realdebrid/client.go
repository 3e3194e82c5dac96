// Package realdebrid is the cache-provider adapter for the Real-Debrid REST API.
package realdebrid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/util"
)

const DefaultBaseURL = "https://api.real-debrid.com/rest/1.0"

// listLimit bounds the torrents listing used by the status view.
const listLimit = 50

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ engine.CacheProvider = (*Client)(nil)

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	if c.token == "" {
		return engine.ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.Transient("real-debrid %s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.Transient("read response: %v", err)
	}

	if resp.StatusCode >= 300 {
		return classify(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return engine.Fatal("unmarshal response: %v", err)
	}
	return nil
}

func (c *Client) form(ctx context.Context, path string, values url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", out)
}

func classify(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return engine.Transient("real-debrid HTTP %d: %s", status, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w: %s", engine.ErrFatal, engine.ErrUnknownHandle, msg)
	default:
		return engine.Fatal("real-debrid HTTP %d: %s", status, msg)
	}
}

// CheckCached asks the instant-availability endpoint. A hash key with a
// non-empty "rd" list is cached; an empty answer is not cached; anything
// else is unknown.
func (c *Client) CheckCached(ctx context.Context, hash string) (engine.Availability, error) {
	hash = strings.ToLower(hash)
	var raw map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/torrents/instantAvailability/"+hash, nil, "", &raw); err != nil {
		return engine.AvailabilityUnknown, err
	}
	entry, ok := raw[hash]
	if !ok {
		return engine.AvailabilityUnknown, nil
	}
	var hosters map[string]json.RawMessage
	if err := json.Unmarshal(entry, &hosters); err != nil {
		// An empty JSON array means the provider has never seen the hash.
		return engine.AvailabilityNotCached, nil
	}
	var variants []json.RawMessage
	if rd, ok := hosters["rd"]; ok && json.Unmarshal(rd, &variants) == nil && len(variants) > 0 {
		return engine.AvailabilityCached, nil
	}
	return engine.AvailabilityNotCached, nil
}

// Submit adds a magnet or a .torrent URL and returns the provider's torrent id.
func (c *Client) Submit(ctx context.Context, link string) (string, error) {
	var resp addResponse
	switch {
	case util.IsMagnet(link):
		if err := c.form(ctx, "/torrents/addMagnet", url.Values{"magnet": {link}}, &resp); err != nil {
			return "", fmt.Errorf("add magnet: %w", err)
		}
	case util.IsTorrentURL(link):
		data, err := util.FetchTorrent(ctx, c.http, link)
		if err != nil {
			return "", engine.Transient("fetch torrent: %v", err)
		}
		if err := c.do(ctx, http.MethodPut, "/torrents/addTorrent", bytes.NewReader(data), "application/x-bittorrent", &resp); err != nil {
			return "", fmt.Errorf("add torrent: %w", err)
		}
	default:
		return "", engine.Fatal("not a magnet or torrent link")
	}
	if resp.ID == "" {
		return "", engine.Fatal("real-debrid returned no torrent id")
	}
	log.Debug().Str("ref", resp.ID).Msg("real-debrid torrent added")
	return resp.ID, nil
}

func (c *Client) SelectFiles(ctx context.Context, ref string) error {
	return c.form(ctx, "/torrents/selectFiles/"+url.PathEscape(ref), url.Values{"files": {"all"}}, nil)
}

func (c *Client) Info(ctx context.Context, ref string) (engine.CacheTorrent, error) {
	var info torrentInfo
	if err := c.do(ctx, http.MethodGet, "/torrents/info/"+url.PathEscape(ref), nil, "", &info); err != nil {
		return engine.CacheTorrent{}, err
	}
	return info.convert(), nil
}

func (c *Client) List(ctx context.Context) ([]engine.CacheTorrent, error) {
	var infos []torrentInfo
	if err := c.do(ctx, http.MethodGet, "/torrents?limit="+strconv.Itoa(listLimit), nil, "", &infos); err != nil {
		return nil, err
	}
	out := make([]engine.CacheTorrent, 0, len(infos))
	for _, t := range infos {
		out = append(out, t.convert())
	}
	return out, nil
}

// Delete removes the torrent. An already missing torrent is not an error.
func (c *Client) Delete(ctx context.Context, ref string) error {
	err := c.do(ctx, http.MethodDelete, "/torrents/delete/"+url.PathEscape(ref), nil, "", nil)
	if errors.Is(err, engine.ErrUnknownHandle) {
		return nil
	}
	return err
}

func (c *Client) Unrestrict(ctx context.Context, link string) (string, error) {
	var resp unrestrictResponse
	if err := c.form(ctx, "/unrestrict/link", url.Values{"link": {link}}, &resp); err != nil {
		return "", err
	}
	if resp.Download == "" {
		return "", engine.Fatal("real-debrid returned no download link")
	}
	return resp.Download, nil
}

func (c *Client) Downloads(ctx context.Context, limit int) ([]engine.CacheDownload, error) {
	if limit <= 0 || limit > listLimit {
		limit = listLimit
	}
	var items []downloadItem
	if err := c.do(ctx, http.MethodGet, "/downloads?limit="+strconv.Itoa(limit), nil, "", &items); err != nil {
		return nil, err
	}
	out := make([]engine.CacheDownload, 0, len(items))
	for _, d := range items {
		out = append(out, engine.CacheDownload{
			ID:        d.ID,
			Filename:  d.Filename,
			Size:      d.Filesize,
			Link:      d.Link,
			Download:  d.Download,
			Generated: d.Generated,
		})
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) engine.HealthStatus {
	start := time.Now()
	var user userResponse
	err := c.do(ctx, http.MethodGet, "/user", nil, "", &user)
	latency := time.Since(start)
	if err != nil {
		return engine.HealthStatus{OK: false, Message: err.Error(), Latency: latency}
	}
	return engine.HealthStatus{OK: true, Message: "real-debrid " + user.Type, Latency: latency}
}
