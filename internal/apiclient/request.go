package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError はレート制限以外の非2xx応答。呼び出し側が分類に使う。
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request to %s failed with status %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
}

// NewRequest はBearerトークン付きのリクエストを生成する。
func NewRequest(ctx context.Context, method, rawURL, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Get はGETリクエストを実行し、2xxの応答をそのまま返す。ボディは呼び出し側で閉じる。
func (c *Client) Get(ctx context.Context, rawURL, token string) (*http.Response, error) {
	req, err := NewRequest(ctx, http.MethodGet, rawURL, token, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	return c.DoOK(req)
}

// DoOK はリクエストを実行し、非2xxの場合は*StatusErrorを返す。
func (c *Client) DoOK(req *http.Request) (*http.Response, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        req.URL.Redacted(),
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	return resp, nil
}

// GetJSON はGETリクエストを実行し、応答JSONをoutにデコードする。
func (c *Client) GetJSON(ctx context.Context, rawURL, token string, out any) error {
	req, err := NewRequest(ctx, http.MethodGet, rawURL, token, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

// PostJSON はJSONボディでPOSTし、応答JSONをoutにデコードする。
func (c *Client) PostJSON(ctx context.Context, rawURL, token string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := NewRequest(ctx, http.MethodPost, rawURL, token, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.DoOK(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Redacted(), err)
	}
	return nil
}
