package main

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modeldeck/modeldeck/internal/ops"
)

// withTestServer points the CLI at an httptest server for the duration of
// the test.
func withTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{
			baseURL:    ts.URL,
			wsBaseURL:  "ws" + strings.TrimPrefix(ts.URL, "http"),
			httpClient: &http.Client{Timeout: 5 * time.Second},
		}, nil
	}
	t.Cleanup(func() { newAPIClient = orig })
	return ts
}

// captureStdout runs fn with os.Stdout redirected to a pipe and returns
// what it printed.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	runErr := fn()
	w.Close()

	data, _ := io.ReadAll(r)
	return string(data), runErr
}

func TestModelsCommand(t *testing.T) {
	withTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":["llama3.2:latest","mistral:7b"]}`)
	}))

	out, err := captureStdout(t, func() error {
		return modelsCmd.RunE(modelsCmd, nil)
	})
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out, "llama3.2:latest") || !strings.Contains(out, "mistral:7b") {
		t.Errorf("output = %q", out)
	}
}

func TestModelsCommandEmpty(t *testing.T) {
	withTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	}))

	out, err := captureStdout(t, func() error {
		return modelsCmd.RunE(modelsCmd, nil)
	})
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out, "No models installed") {
		t.Errorf("output = %q", out)
	}
}

func TestDecodeJSONErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprint(w, `{"error":{"message":"models directory is not configured","type":"storage_not_configured"}}`)
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("decodeJSON = nil error for 412 response")
	}
	if !strings.Contains(err.Error(), "412") || !strings.Contains(err.Error(), "storage_not_configured") {
		t.Errorf("error = %v", err)
	}
}

func TestEventsStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/operations/op-1/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		pct := 42.0
		conn.WriteJSON(ops.Event{OperationID: "op-1", Type: ops.EventProgress, Percentage: &pct})
		conn.WriteJSON(ops.Event{OperationID: "op-1", Type: ops.EventEnd})
	})
	withTestServer(t, mux)

	client, err := newAPIClient()
	if err != nil {
		t.Fatal(err)
	}
	events, err := client.events("op-1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}

	var got []ops.Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2 (channel closes after terminal)", len(got))
	}
	if got[0].Type != ops.EventProgress || got[1].Type != ops.EventEnd {
		t.Errorf("events = %+v", got)
	}
}

func TestEventsUnknownOperation(t *testing.T) {
	withTestServer(t, http.HandlerFunc(http.NotFound))

	client, err := newAPIClient()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.events("ghost"); err == nil {
		t.Error("events = nil error for unknown operation")
	}
}

func TestPIDFileRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := pidFilePath(dir)
	if filepath.Dir(path) != dir {
		t.Errorf("pid path = %q, want inside %q", path, dir)
	}

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("readPIDFile = nil error after removal")
	}
}

func TestReadPIDFileGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modeldeck.pid")
	if err := os.WriteFile(path, []byte("not a pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPIDFile(path); err == nil {
		t.Error("readPIDFile = nil error for garbage content")
	}
}
