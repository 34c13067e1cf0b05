package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"vaultguard/pkg/auth"
	"vaultguard/pkg/httpx"
	"vaultguard/pkg/store"

	"github.com/go-chi/chi/v5"
	"github.com/zeebo/blake3"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack lets the websocket upgrade pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + routePattern(r)
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

// routePattern keeps metric labels bounded by using the chi route
// pattern instead of the raw path.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// captureWriter tees the response so it can be stored for replay.
type captureWriter struct {
	http.ResponseWriter
	code int
	body bytes.Buffer
}

func (c *captureWriter) WriteHeader(statusCode int) {
	c.code = statusCode
	c.ResponseWriter.WriteHeader(statusCode)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.code == 0 {
		c.code = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func scopedIdempotencyKey(caller, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return "idem:" + strings.ToLower(strings.TrimSpace(caller)) + "|" + key
}

// requestFingerprint identifies a request by method, path and body.
func requestFingerprint(r *http.Request, body []byte) string {
	h := blake3.New()
	_, _ = io.WriteString(h, r.Method+" "+r.URL.Path+"\n")
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// idempotencyMiddleware replays the first response recorded for a caller's
// Idempotency-Key when the same request is sent again. Reusing a key for a
// different request is rejected. 5xx responses are not recorded so the
// client can retry.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := scopedIdempotencyKey(auth.Caller(r.Context()), r.Header.Get(idempotencyHeader))
		if key == "" || s.Idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		var body []byte
		if r.Body != nil {
			raw, err := io.ReadAll(r.Body)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				httpx.Error(w, http.StatusBadRequest, "read request body")
				return
			}
			body = raw
			r.Body = io.NopCloser(bytes.NewReader(raw))
		}
		fingerprint := requestFingerprint(r, body)
		stored, err := s.Idempotency.Begin(r.Context(), key, fingerprint)
		switch {
		case errors.Is(err, store.ErrIdempotencyInFlight):
			httpx.ErrorCode(w, http.StatusConflict, "request with this idempotency key is in flight", "IdempotencyInFlight")
			return
		case errors.Is(err, store.ErrIdempotencyMismatch):
			httpx.ErrorCode(w, http.StatusUnprocessableEntity, "idempotency key was used for a different request", "IdempotencyKeyReused")
			return
		case err != nil:
			log.Printf("guardiand idempotency: %v", err)
			next.ServeHTTP(w, r)
			return
		case stored != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(replayedHeader, "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}

		rec := &captureWriter{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.code == 0 || rec.code >= 500 {
			if err := s.Idempotency.Abort(r.Context(), key); err != nil {
				log.Printf("guardiand idempotency abort: %v", err)
			}
			return
		}
		resp := bytes.TrimSpace(rec.body.Bytes())
		if !json.Valid(resp) {
			resp = []byte("null")
		}
		if err := s.Idempotency.Complete(r.Context(), key, store.StoredResponse{Status: rec.code, Body: resp, Fingerprint: fingerprint}); err != nil {
			log.Printf("guardiand idempotency complete: %v", err)
		}
	})
}
