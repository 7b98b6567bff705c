package server

import (
	"bytes"
	"net/http"
	"sync"

	"fwlink/internal/logx"
)

// IdempotencyHeader lets a client retry a POST without running it twice.
const IdempotencyHeader = "Idempotency-Key"

// recorded is a finished response kept for replay. done is closed once the
// first request for the key completes.
type recorded struct {
	mu     sync.Mutex
	done   chan struct{}
	status int
	header http.Header
	body   []byte
}

type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf.Write(p)
	return r.ResponseWriter.Write(p)
}

// idempotent replays the stored response when a request repeats a key seen
// within the dedup TTL. A repeat that arrives while the first is still
// running is refused.
func (h *handler) idempotent(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}
		cacheKey := r.Method + " " + r.URL.Path + " " + key

		h.dedupMu.Lock()
		prev, seen := h.replay.Get(cacheKey)
		if !seen {
			prev = &recorded{done: make(chan struct{})}
			h.replay.Put(cacheKey, prev)
		}
		h.dedupMu.Unlock()

		if seen {
			select {
			case <-prev.done:
			default:
				logx.Debugf("server: duplicate in-flight request %s", cacheKey)
				writeJSON(w, http.StatusConflict, errorResponse{Error: errorBody{
					Kind:    "duplicate_request",
					Message: "a request with this " + IdempotencyHeader + " is still running",
				}})
				return
			}
			logx.Debugf("server: replaying response for %s", cacheKey)
			prev.mu.Lock()
			defer prev.mu.Unlock()
			for k, v := range prev.header {
				w.Header()[k] = v
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(prev.status)
			_, _ = w.Write(prev.body)
			return
		}

		rec := &recorder{ResponseWriter: w}
		defer func() {
			prev.mu.Lock()
			prev.status = rec.status
			if prev.status == 0 {
				prev.status = http.StatusOK
			}
			prev.header = w.Header().Clone()
			prev.body = rec.buf.Bytes()
			prev.mu.Unlock()
			close(prev.done)
		}()
		next(rec, r)
	})
}
