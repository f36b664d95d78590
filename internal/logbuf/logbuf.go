// Package logbuf keeps the recent log output of the process in memory and
// serves it over HTTP.
package logbuf

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/guardcall/internal/util"
)

type Entry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogBuffer is an io.Writer that splits its input into lines, keeps the
// newest ones and fans them out to subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[Entry]
	subs    map[chan Entry]struct{}
	partial bytes.Buffer
	now     func() time.Time
}

func New(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[Entry](max),
		subs:    make(map[chan Entry]struct{}),
		now:     time.Now,
	}
}

// Write implements io.Writer. Incomplete lines wait for their newline.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := Entry{TS: b.now(), Msg: line}
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
				// slow subscriber
			}
		}
	}
	return len(p), nil
}

// Attach copies everything go-log emits at level or above into b until the
// returned func is called.
func (b *LogBuffer) Attach(level logging.LogLevel) func() {
	r := logging.NewPipeReader(
		logging.PipeFormat(logging.PlaintextOutput),
		logging.PipeLevel(level),
	)
	go func() {
		_, _ = io.Copy(b, r)
	}()
	return func() { _ = r.Close() }
}

func (b *LogBuffer) Snapshot() []Entry { return b.entries.Snapshot() }

func (b *LogBuffer) Tail(n int) []Entry { return b.entries.Tail(n) }

// Subscribe returns a channel receiving every new line. Lines are dropped
// while the channel is full.
func (b *LogBuffer) Subscribe() (ch chan Entry, cancel func()) {
	ch = make(chan Entry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Register mounts the log endpoints on mux.
func (b *LogBuffer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/logs", b.ServeJSON)
	mux.HandleFunc("/api/logs/stream", b.ServeSSE)
}

// GET /api/logs[?n=100]
func (b *LogBuffer) ServeJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := -1
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Tail(n))
}

// GET /api/logs/stream (Server-Sent Events). Tail only unless ?replay=1.
func (b *LogBuffer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	if r.URL.Query().Get("replay") == "1" {
		for _, e := range b.Snapshot() {
			WriteSSE(w, "message", e)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			WriteSSE(w, "message", e)
			flusher.Flush()
		}
	}
}

// WriteSSE writes v as one JSON server-sent event.
func WriteSSE(w io.Writer, event string, v any) {
	data, _ := json.Marshal(v)
	_, _ = io.WriteString(w, "event: "+event+"\n")
	_, _ = io.WriteString(w, "data: "+string(data)+"\n\n")
}
