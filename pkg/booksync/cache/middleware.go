package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HeaderCache reports HIT or MISS on cached routes.
const HeaderCache = "X-Cache"

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body"`
}

// Middleware caches the responses of operation op according to its policy.
// Mount it with chi's With so route parameters are resolved when it runs.
func (p Policies) Middleware(s *Service, op string) func(http.Handler) http.Handler {
	policy, ok := p[op]
	return func(next http.Handler) http.Handler {
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := RequestKey(policy, r)
			if err != nil {
				s.logger.Warn("Skipping response cache", "operation", op, "err", err)
				next.ServeHTTP(w, r)
				return
			}

			var hit cachedResponse
			if s.Get(r.Context(), key, &hit) {
				responseCache.WithLabelValues(op, "hit").Inc()
				if hit.ContentType != "" {
					w.Header().Set("Content-Type", hit.ContentType)
				}
				w.Header().Set(HeaderCache, "HIT")
				w.WriteHeader(hit.Status)
				w.Write(hit.Body)
				return
			}
			responseCache.WithLabelValues(op, "miss").Inc()

			var buf bytes.Buffer
			w.Header().Set(HeaderCache, "MISS")
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusBadRequest {
				return
			}
			body := buf.Bytes()
			if policy.Condition != nil && !policy.Condition(body) {
				return
			}
			s.Set(r.Context(), key, cachedResponse{
				Status:      status,
				ContentType: ww.Header().Get("Content-Type"),
				Body:        append([]byte(nil), body...),
			}, TTL(policy.TTL))
		})
	}
}

// RequestKey derives the logical cache key for r:
// base:method:path[:params:json][:query:json][:body:hash].
// POST and PUT bodies are hashed and left readable for the handler.
func RequestKey(p Policy, r *http.Request) (string, error) {
	params := map[string]string{}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, k := range rctx.URLParams.Keys {
			if k == "*" {
				continue
			}
			params[k] = rctx.URLParams.Values[i]
		}
	}

	key := p.Base(params) + ":" + r.Method + ":" + r.URL.Path
	if len(params) > 0 {
		// encoding/json writes map keys sorted
		b, err := json.Marshal(params)
		if err != nil {
			return "", err
		}
		key += ":params:" + string(b)
	}
	if q := r.URL.Query(); len(q) > 0 {
		b, err := json.Marshal(q)
		if err != nil {
			return "", err
		}
		key += ":query:" + string(b)
	}
	if (r.Method == http.MethodPost || r.Method == http.MethodPut) && r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return "", err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if len(body) > 0 {
			sum := sha256.Sum256(body)
			key += ":body:" + hex.EncodeToString(sum[:8])
		}
	}
	return key, nil
}
