package lapis

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lapisgate/pkg/domain"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError answers with the status and type of the error taxonomy.
func writeError(w http.ResponseWriter, err error) {
	writeErrorStatus(w, domain.StatusCode(err), domain.ErrorType(err), err.Error())
}

func writeErrorStatus(w http.ResponseWriter, status int, typ, message string) {
	h := w.Header()
	h.Del("Content-Disposition")
	writeJSON(w, status, errorBody{Error: errorDetail{Type: typ, Message: message}})
}

// streamWriter defers response headers until the first body byte, so a
// failure before any output can still become a JSON error response.
type streamWriter struct {
	w       http.ResponseWriter
	prepare func(http.Header)
	written int64
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if s.written == 0 && len(p) > 0 && s.prepare != nil {
		s.prepare(s.w.Header())
		s.w.WriteHeader(http.StatusOK)
		s.prepare = nil
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	return n, err
}

// attachment builds a Content-Disposition value. Names are sanitized by
// the service, so plain quoting is enough.
func attachment(filename string) string {
	return `attachment; filename="` + filename + `"`
}

type statsKey struct{}

// requestStats is filled in by handlers and read by the access log.
type requestStats struct {
	id   string
	rows int
}

func statsFrom(ctx context.Context) *requestStats {
	if s, ok := ctx.Value(statsKey{}).(*requestStats); ok {
		return s
	}
	return &requestStats{}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Flush lets streamed bodies reach the client before the handler returns.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// accessLog assigns the request id and logs one line per request. Aborted
// streams are logged before the abort propagates to net/http.
func accessLog(logger logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		stats := &requestStats{id: id}
		rec := &statusRecorder{ResponseWriter: w}
		started := time.Now()
		entry := func() *logrus.Entry {
			return logger.WithFields(logrus.Fields{
				"request_id": id,
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
				"bytes":      rec.bytes,
				"rows":       stats.rows,
				"duration":   time.Since(started).String(),
			})
		}
		defer func() {
			if v := recover(); v != nil {
				entry().Warn("response aborted")
				panic(v)
			}
		}()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), statsKey{}, stats)))
		entry().Info("request")
	})
}
