package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"melodex/services/exchanged/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&models.IdempotencyKey{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func doRequest(handler http.Handler, key, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/exchange/swap", strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	db := openTestDB(t)
	var executions int32
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&executions, 1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	if rr := doRequest(handler, "key-1", "alice"); rr.Code != http.StatusCreated {
		t.Fatalf("first request status = %d, want 201", rr.Code)
	}
	replay := doRequest(handler, "key-1", "alice")
	if replay.Code != http.StatusCreated {
		t.Fatalf("replay status = %d, want 201", replay.Code)
	}
	if replay.Body.String() != `{"ok":true}` {
		t.Fatalf("replay body = %q", replay.Body.String())
	}
	if got := atomic.LoadInt32(&executions); got != 1 {
		t.Fatalf("handler executed %d times, want 1", got)
	}
}

func TestIdempotencyConcurrentDuplicateExecutesOnce(t *testing.T) {
	db := openTestDB(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var executions int32
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&executions, 1) == 1 {
			close(entered)
			<-release
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- doRequest(handler, "key-2", "alice") }()
	<-entered

	// The duplicate arrives while the first request is still executing and
	// must not reach the handler.
	dup := doRequest(handler, "key-2", "alice")
	if dup.Code != http.StatusConflict {
		t.Fatalf("in-flight duplicate status = %d, want 409", dup.Code)
	}
	if got := atomic.LoadInt32(&executions); got != 1 {
		t.Fatalf("handler executed %d times, want 1", got)
	}

	close(release)
	if first := <-done; first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	replay := doRequest(handler, "key-2", "alice")
	if replay.Code != http.StatusOK || replay.Body.String() != `{"ok":true}` {
		t.Fatalf("replay status = %d body = %q", replay.Code, replay.Body.String())
	}
	if got := atomic.LoadInt32(&executions); got != 1 {
		t.Fatalf("handler executed %d times, want 1", got)
	}
}

func TestIdempotencyScopedPerUser(t *testing.T) {
	db := openTestDB(t)
	var executions int32
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&executions, 1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	if rr := doRequest(handler, "shared-key", "alice"); rr.Code != http.StatusOK {
		t.Fatalf("alice status = %d, want 200", rr.Code)
	}
	if rr := doRequest(handler, "shared-key", "bob"); rr.Code != http.StatusOK {
		t.Fatalf("bob blocked by alice's key: status = %d, want 200", rr.Code)
	}
	if got := atomic.LoadInt32(&executions); got != 2 {
		t.Fatalf("handler executed %d times, want 2", got)
	}
}
