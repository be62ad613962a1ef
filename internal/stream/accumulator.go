// Package stream reassembles a single logical chat response from a sequence
// of raw fragments. A fragment is either one complete JSON object (the
// non-streaming transport) or one line-delimited JSON object out of many
// (the streaming transport); the response text may live under several
// possible keys depending on the server's shape. Extraction is an ordered
// list of extractor functions, structurally the same pattern as the
// download classifier.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// fragment mirrors the known shapes of a chat response object. Only the
// fields this package extracts are declared; everything else is tolerated
// and ignored.
type fragment struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Response *string `json:"response"`
	Delta    *string `json:"delta"`
	Done     bool    `json:"done"`
	Error    string  `json:"error"`
}

// Content extractors, tried in order; first present key wins. The order is
// fixed so a fragment carrying more than one known key extracts
// consistently.
var extractors = []struct {
	name string
	get  func(f fragment) (string, bool)
}{
	{"message.content", func(f fragment) (string, bool) {
		if f.Message == nil {
			return "", false
		}
		return f.Message.Content, true
	}},
	{"response", func(f fragment) (string, bool) {
		if f.Response == nil {
			return "", false
		}
		return *f.Response, true
	}},
	{"delta", func(f fragment) (string, bool) {
		if f.Delta == nil {
			return "", false
		}
		return *f.Delta, true
	}},
}

// Accumulator buffers partial tokens into a monotonically growing response
// string. It belongs to exactly one chat operation.
type Accumulator struct {
	buf  strings.Builder
	done bool
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply consumes one raw fragment. It returns the newly appended substring
// (never the whole accumulated text, so callers can render incrementally)
// and whether the fragment was flagged final. A fragment that parses but
// carries an in-band error returns that error; text accumulated before the
// failure is preserved and still available via Text.
func (a *Accumulator) Apply(raw []byte) (delta string, done bool, err error) {
	if a.done {
		return "", true, nil
	}

	var f fragment
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", false, fmt.Errorf("parsing response fragment: %w", err)
	}

	if f.Error != "" {
		return "", false, fmt.Errorf("model server error: %s", f.Error)
	}

	for _, ex := range extractors {
		if text, ok := ex.get(f); ok {
			delta = text
			break
		}
	}

	if delta != "" {
		a.buf.WriteString(delta)
	}
	if f.Done {
		a.done = true
	}
	return delta, f.Done, nil
}

// Finalize marks the stream complete on end-of-stream without an explicit
// done marker.
func (a *Accumulator) Finalize() {
	a.done = true
}

// Done reports whether the response has been finalized.
func (a *Accumulator) Done() bool {
	return a.done
}

// Text returns the full response accumulated so far.
func (a *Accumulator) Text() string {
	return a.buf.String()
}
