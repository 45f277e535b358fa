package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestService_TokenRoundTrip(t *testing.T) {
	svc := New("test-secret")

	token, err := svc.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if err := svc.Verify(token); err != nil {
		t.Errorf("Verify own token: %v", err)
	}
}

func TestService_Verify_rejects_foreign_tokens(t *testing.T) {
	svc := New("test-secret")
	other := New("different-secret")

	foreign, err := other.Token()
	if err != nil {
		t.Fatal(err)
	}

	for name, token := range map[string]string{
		"foreign_signature": foreign,
		"garbage":           "not-a-token",
		"empty":             "",
	} {
		t.Run(name, func(t *testing.T) {
			if err := svc.Verify(token); !errors.Is(err, ErrUnauthorizedSender) {
				t.Errorf("expected ErrUnauthorizedSender, got %v", err)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	svc := New("test-secret")
	handler := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid_token_passes", func(t *testing.T) {
		token, _ := svc.Token()
		req := httptest.NewRequest(http.MethodPost, "/api/recording/start", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
	})

	t.Run("missing_token_rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/recording/start", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})
}
