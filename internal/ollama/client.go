package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoOutput reports that the model server (or pull subprocess) started
// but produced no output at all before the idle timeout. It is distinct
// from a launch failure and from a slow-but-producing stream.
var ErrNoOutput = errors.New("no output before idle timeout")

const defaultIdleTimeout = 60 * time.Second

// Message represents a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries sampling parameters for a chat request.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// ChatRequest describes one chat completion request. Messages must already
// be trimmed to the caller's history bound; this client does not
// second-guess their size.
type ChatRequest struct {
	Model    string
	Messages []Message
	Stream   bool
	Options  *Options
}

// Fragment is one unit of raw output from the chat transport: a complete
// JSON object (non-streaming) or one line-delimited JSON object
// (streaming). The sequence is always terminated by exactly one fragment
// with End set or Err non-nil, whichever transport mode is used
// underneath.
type Fragment struct {
	Data []byte
	Err  error
	End  bool
}

// Client communicates with a local Ollama-compatible server over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	idleTimeout time.Duration
}

// New creates a Client targeting the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0,
		},
		idleTimeout: defaultIdleTimeout,
	}
}

// SetIdleTimeout overrides how long a chat stream may stay silent before
// its first fragment. Zero or negative restores the default.
func (c *Client) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultIdleTimeout
	}
	c.idleTimeout = d
}

// tagsResponse mirrors the JSON returned by GET /api/tags.
type tagsResponse struct {
	Models []modelEntry `json:"models"`
}

type modelEntry struct {
	Name string `json:"name"`
}

// IsRunning returns true if the server responds to GET /api/tags with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Version returns the daemon version string from GET /api/version.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting version: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var v struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return v.Version, nil
}

// ListModels returns the names of all models available locally.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether the given model name is present locally.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		// The server may return "phi3.5:latest"; match without tag suffix.
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// chatBody is the JSON body for POST /api/chat.
type chatBody struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

// Chat issues a chat completion request and returns its raw output as a
// fragment sequence. A non-nil error means the request could not be
// launched at all (service missing or rejecting); errors after launch
// arrive on the channel. The channel is closed after the end marker or
// error fragment. Cancelling ctx aborts the stream.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (<-chan Fragment, error) {
	body, err := json.Marshal(chatBody{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   req.Stream,
		Options:  req.Options,
	})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("chat: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		if req.Stream {
			c.readStreaming(ctx, resp.Body, out)
		} else {
			c.readComplete(ctx, resp.Body, out)
		}
	}()
	return out, nil
}

// readStreaming feeds line-delimited JSON fragments into out until EOF,
// then emits the end marker. A stream with no output at all before the
// idle timeout ends with ErrNoOutput.
func (c *Client) readStreaming(ctx context.Context, body io.Reader, out chan<- Fragment) {
	type lineResult struct {
		line []byte
		err  error
	}
	lines := make(chan lineResult)
	// If we bail out early (timeout, cancellation) the reader goroutine is
	// still blocked sending; drain until the closed body errors it out.
	defer func() {
		go func() {
			for range lines {
			}
		}()
	}()
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			buf := make([]byte, len(sc.Bytes()))
			copy(buf, sc.Bytes())
			lines <- lineResult{line: buf}
		}
		if err := sc.Err(); err != nil {
			lines <- lineResult{err: err}
		}
	}()

	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()
	first := true

	for {
		var timeout <-chan time.Time
		if first {
			timeout = idle.C
		}
		select {
		case <-ctx.Done():
			out <- Fragment{Err: ctx.Err()}
			return
		case <-timeout:
			out <- Fragment{Err: ErrNoOutput}
			return
		case res, ok := <-lines:
			if !ok {
				out <- Fragment{End: true}
				return
			}
			if res.err != nil {
				out <- Fragment{Err: fmt.Errorf("reading chat stream: %w", res.err)}
				return
			}
			if len(bytes.TrimSpace(res.line)) == 0 {
				continue
			}
			first = false
			out <- Fragment{Data: res.line}
		}
	}
}

// readComplete reads the whole non-streaming payload as one fragment
// followed by the end marker, so consumers see a uniform sequence
// regardless of transport mode.
func (c *Client) readComplete(ctx context.Context, body io.Reader, out chan<- Fragment) {
	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(body)
		done <- readResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		out <- Fragment{Err: ctx.Err()}
	case <-time.After(c.idleTimeout):
		out <- Fragment{Err: ErrNoOutput}
	case res := <-done:
		if res.err != nil {
			out <- Fragment{Err: fmt.Errorf("reading chat response: %w", res.err)}
			return
		}
		if len(bytes.TrimSpace(res.data)) > 0 {
			out <- Fragment{Data: res.data}
		}
		out <- Fragment{End: true}
	}
}
