//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/allocation-study/internal/domain"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err      error
		status   int
		code     string
		showsMsg bool
	}{
		{domain.Validation("fund_a_out_of_range", "allocation must be between 0 and 100"), http.StatusUnprocessableEntity, "fund_a_out_of_range", true},
		{domain.Persistence("save session", errors.New("disk full")), http.StatusServiceUnavailable, "storage_unavailable", false},
		{domain.Invariant("trial_missing", "no trial"), http.StatusInternalServerError, "trial_missing", false},
		{domain.Configuration("catalog_empty", "no scenarios"), http.StatusInternalServerError, "catalog_empty", false},
		{errors.New("boom"), http.StatusInternalServerError, "internal", false},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		WriteError(w, httptest.NewRequest(http.MethodPost, "/api/session/allocation", nil), tc.err)

		if w.Code != tc.status {
			t.Errorf("%v: expected status %d, got %d", tc.err, tc.status, w.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["code"] != tc.code {
			t.Errorf("%v: expected code %q, got %q", tc.err, tc.code, body["code"])
		}
		var de *domain.Error
		if tc.showsMsg && errors.As(tc.err, &de) && body["error"] != de.Message {
			t.Errorf("expected validation message to be shown, got %q", body["error"])
		}
		if !tc.showsMsg && (body["error"] != reloadMessage && body["error"] != restartMessage) {
			t.Errorf("%v: expected generic message, got %q", tc.err, body["error"])
		}
	}
}

type okPinger struct{ err error }

func (p okPinger) Ping(_ context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthHandler(okPinger{}).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	NewHealthHandler(okPinger{err: errors.New("closed")}).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Checks["database"] != "unreachable" {
		t.Fatalf("unexpected body %+v", body)
	}
}
