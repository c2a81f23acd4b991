package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kalambet/bizq/internal/api"
	"github.com/kalambet/bizq/internal/config"
	"github.com/kalambet/bizq/internal/pipeline"
	"github.com/kalambet/bizq/internal/storage"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is bizq serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// ask posts one question to the server.
func (c *apiClient) ask(ctx context.Context, req api.AskRequest) (pipeline.Answer, error) {
	var ans pipeline.Answer
	resp, err := c.post(ctx, "/v1/ask", req)
	if err != nil {
		return ans, err
	}
	if err := decodeJSON(resp, &ans); err != nil {
		return ans, err
	}
	return ans, nil
}

// history fetches the executor's query history and stats.
func (c *apiClient) history(ctx context.Context) (api.HistoryView, error) {
	var view api.HistoryView
	resp, err := c.get(ctx, "/v1/history")
	if err != nil {
		return view, err
	}
	if err := decodeJSON(resp, &view); err != nil {
		return view, err
	}
	return view, nil
}

// turns lists answered questions, for one session when sessionID is set.
func (c *apiClient) turns(ctx context.Context, sessionID string, limit int) ([]storage.Turn, error) {
	path := fmt.Sprintf("/v1/turns?limit=%d", limit)
	if sessionID != "" {
		path = fmt.Sprintf("/v1/sessions/%s/turns?limit=%d", url.PathEscape(sessionID), limit)
	}
	var list []storage.Turn
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(resp, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
