package relay

import (
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var fakeSeq int

// fakeTransport records every payload the router hands it.
type fakeTransport struct {
	mu     sync.Mutex
	id     string
	frames [][]byte
	refuse bool
	closed bool
}

func newFake() *fakeTransport {
	fakeSeq++
	return &fakeTransport{id: "fake-" + strconv.Itoa(fakeSeq)}
}

func (f *fakeTransport) ID() string   { return f.id }
func (f *fakeTransport) Kind() string { return "fake" }

func (f *fakeTransport) Send(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse || f.closed {
		return false
	}
	f.frames = append(f.frames, append([]byte(nil), payload...))
	return true
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// drain returns the decoded events received so far and forgets them.
func (f *fakeTransport) drain(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	frames := f.frames
	f.frames = nil
	f.mu.Unlock()

	events := make([]map[string]any, 0, len(frames))
	for _, frame := range frames {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(frame, &ev), "frame %s", frame)
		events = append(events, ev)
	}
	return events
}

// types returns the "type" of each drained event in order.
func types(events []map[string]any) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i], _ = ev["type"].(string)
	}
	return out
}

func ofType(events []map[string]any, eventType string) []map[string]any {
	var out []map[string]any
	for _, ev := range events {
		if ev["type"] == eventType {
			out = append(out, ev)
		}
	}
	return out
}
