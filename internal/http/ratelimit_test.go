package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func limitedRouter(limit int, window time.Duration) *gin.Engine {
	r := gin.New()
	rl := NewRateLimiter(limit, window)

	r.POST("/internal/tasks/:id/run", rl.Middleware(KeyByTaskOrIP), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	return r
}

func fire(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	r := limitedRouter(2, time.Minute)

	for i := 0; i < 2; i++ {
		if w := fire(r, "/internal/tasks/task-1/run"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, w.Code)
		}
	}

	w := fire(r, "/internal/tasks/task-1/run")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestRateLimiterKeysPerTask(t *testing.T) {
	r := limitedRouter(1, time.Minute)

	if w := fire(r, "/internal/tasks/task-1/run"); w.Code != http.StatusOK {
		t.Fatalf("first task: status = %d", w.Code)
	}
	if w := fire(r, "/internal/tasks/task-1/run"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("repeat on same task: status = %d, want 429", w.Code)
	}

	// a different task has its own bucket
	if w := fire(r, "/internal/tasks/task-2/run"); w.Code != http.StatusOK {
		t.Fatalf("second task: status = %d", w.Code)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	r := limitedRouter(1, 10*time.Millisecond)

	if w := fire(r, "/internal/tasks/task-1/run"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	time.Sleep(20 * time.Millisecond)

	if w := fire(r, "/internal/tasks/task-1/run"); w.Code != http.StatusOK {
		t.Fatalf("after window reset: status = %d", w.Code)
	}
}
