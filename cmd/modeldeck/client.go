package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modeldeck/modeldeck/internal/config"
	"github.com/modeldeck/modeldeck/internal/ops"
)

type apiClient struct {
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		wsBaseURL:  fmt.Sprintf("ws://127.0.0.1:%d", cfg.Server.Port),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is modeldeck running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(path string) (*http.Response, error) {
	return c.do("GET", path, nil)
}

func (c *apiClient) post(path string, body any) (*http.Response, error) {
	return c.do("POST", path, body)
}

func (c *apiClient) delete(path string) (*http.Response, error) {
	return c.do("DELETE", path, nil)
}

// events opens the operation's websocket feed and returns a channel of its
// events. The channel closes after the terminal event or on a read error.
func (c *apiClient) events(operationID string) (<-chan ops.Event, error) {
	conn, _, err := websocket.DefaultDialer.Dial(c.wsBaseURL+"/operations/"+operationID+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to event stream: %w", err)
	}

	out := make(chan ops.Event)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var ev ops.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			out <- ev
			if ev.Terminal() {
				return
			}
		}
	}()
	return out, nil
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
