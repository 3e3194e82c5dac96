package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/viperadnan-git/relaybot/internal/core/engine"
)

// statusKeys limits tellStatus/tellActive payloads to what the seedbox reads.
var statusKeys = []string{
	"gid", "status", "totalLength", "completedLength", "downloadSpeed",
	"errorCode", "errorMessage", "dir", "infoHash", "seeder", "bittorrent",
	"files", "followedBy", "following",
}

// Client is an aria2 JSON-RPC client.
type Client struct {
	url    string
	secret string
	nextID atomic.Int64
	http   *http.Client
}

func NewClient(url, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    url,
		secret: secret,
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	// Prepend secret token if set
	allParams := make([]any, 0, len(params)+1)
	if c.secret != "" {
		allParams = append(allParams, "token:"+c.secret)
	}
	allParams = append(allParams, params...)

	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      fmt.Sprintf("%d", c.nextID.Add(1)),
		Method:  method,
		Params:  allParams,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, engine.Transient("aria2 %s: %v", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.Transient("read response: %v", err)
	}
	if resp.StatusCode >= 500 {
		return nil, engine.Transient("aria2 %s: HTTP %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, engine.Fatal("unmarshal response: %v", err)
	}

	if rpcResp.Error != nil {
		if strings.Contains(rpcResp.Error.Message, "is not found") {
			return nil, fmt.Errorf("%w: %w: %s", engine.ErrFatal, engine.ErrUnknownHandle, rpcResp.Error.Message)
		}
		return nil, engine.Fatal("aria2 rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (c *Client) AddURI(ctx context.Context, uris []string, opts map[string]string) (string, error) {
	raw, err := c.call(ctx, "aria2.addUri", uris, opts)
	if err != nil {
		return "", err
	}
	var gid string
	if err := json.Unmarshal(raw, &gid); err != nil {
		return "", fmt.Errorf("parse gid: %w", err)
	}
	return gid, nil
}

// ForcePause stops transfer immediately. The download and its files stay.
func (c *Client) ForcePause(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.forcePause", gid)
	return err
}

func (c *Client) Unpause(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.unpause", gid)
	return err
}

func (c *Client) ForceRemove(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.forceRemove", gid)
	return err
}

func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.removeDownloadResult", gid)
	return err
}

func (c *Client) TellActive(ctx context.Context) ([]*statusResponse, error) {
	return c.tellList(ctx, "aria2.tellActive", statusKeys)
}

func (c *Client) TellWaiting(ctx context.Context, offset, num int) ([]*statusResponse, error) {
	return c.tellList(ctx, "aria2.tellWaiting", offset, num, statusKeys)
}

func (c *Client) TellStopped(ctx context.Context, offset, num int) ([]*statusResponse, error) {
	return c.tellList(ctx, "aria2.tellStopped", offset, num, statusKeys)
}

func (c *Client) tellList(ctx context.Context, method string, params ...any) ([]*statusResponse, error) {
	raw, err := c.call(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	var statuses []*statusResponse
	if err := json.Unmarshal(raw, &statuses); err != nil {
		return nil, fmt.Errorf("parse %s: %w", method, err)
	}
	return statuses, nil
}

func (c *Client) TellStatus(ctx context.Context, gid string) (*statusResponse, error) {
	raw, err := c.call(ctx, "aria2.tellStatus", gid, statusKeys)
	if err != nil {
		return nil, err
	}
	var status statusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	return &status, nil
}

func (c *Client) GetVersion(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, "aria2.getVersion")
	if err != nil {
		return "", err
	}
	var result struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	return result.Version, nil
}
