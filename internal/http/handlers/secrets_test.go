package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/http/handlers"
)

type fakeSecretSetter struct {
	secrets map[string]string
	err     error
}

func (f *fakeSecretSetter) SetWebhookSecret(ctx context.Context, id, secret string) error {
	if f.err != nil {
		return f.err
	}
	if f.secrets == nil {
		f.secrets = make(map[string]string)
	}
	f.secrets[id] = secret
	return nil
}

func TestRotateWebhookSecret(t *testing.T) {
	tasks := &fakeSecretSetter{}
	h := handlers.NewSecretsHandler(tasks)
	r := setupRouter(http.MethodPost, "/internal/tasks/:id/webhook-secret", h.RotateWebhookSecret)

	req := httptest.NewRequest(http.MethodPost, "/internal/tasks/task-1/webhook-secret", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		WebhookSecret string `json:"webhook_secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// 32 random bytes, hex-encoded
	if len(resp.WebhookSecret) != 64 {
		t.Fatalf("secret length = %d, want 64", len(resp.WebhookSecret))
	}
	if tasks.secrets["task-1"] != resp.WebhookSecret {
		t.Fatal("returned secret differs from the stored one")
	}
}

func TestRotateWebhookSecretUnknownTask(t *testing.T) {
	tasks := &fakeSecretSetter{err: task.ErrTaskNotFound}
	h := handlers.NewSecretsHandler(tasks)
	r := setupRouter(http.MethodPost, "/internal/tasks/:id/webhook-secret", h.RotateWebhookSecret)

	req := httptest.NewRequest(http.MethodPost, "/internal/tasks/gone/webhook-secret", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
