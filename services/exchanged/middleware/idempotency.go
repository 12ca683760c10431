package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"melodex/services/exchanged/models"
)

// WithIdempotency replays the stored response for requests that repeat an
// Idempotency-Key header, so retried swap and order submissions execute once.
// The key row is claimed before the handler runs; the unique index on
// (key, user, method, path) guarantees that of two concurrent retries only
// one executes while the other is rejected or replayed. Requests without the
// header pass through untouched.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		user := strings.TrimSpace(r.Header.Get("X-User-ID"))

		claim := models.IdempotencyKey{
			RequestID: uuid.NewString(),
			Key:       key,
			UserID:    user,
			Method:    r.Method,
			Path:      r.URL.Path,
			CreatedAt: time.Now().UTC(),
		}
		if err := db.WithContext(r.Context()).Create(&claim).Error; err != nil {
			// Claim rejected: another request already holds this key.
			var stored models.IdempotencyKey
			lookupErr := db.WithContext(r.Context()).
				First(&stored, "key = ? AND user_id = ? AND method = ? AND path = ?",
					key, user, r.Method, r.URL.Path).Error
			if lookupErr != nil {
				writeRaw(w, http.StatusInternalServerError,
					`{"error":{"code":"INTERNAL","message":"idempotency lookup failed"}}`)
				return
			}
			if stored.Status == 0 {
				writeRaw(w, http.StatusConflict,
					`{"error":{"code":"REQUEST_IN_FLIGHT","message":"a request with this idempotency key is still executing"}}`)
				return
			}
			writeRaw(w, stored.Status, stored.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		_ = db.Model(&models.IdempotencyKey{}).
			Where("request_id = ?", claim.RequestID).
			Updates(map[string]any{"status": status, "response": recorder.buf}).Error
	})
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// responseRecorder captures the response body and status for replay.
type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}
