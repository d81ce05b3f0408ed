package destination

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/migrate/internal/domain/canonical"
)

func TestHTTPClient_CreateRecord(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "pm-77"})
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, Token: "svc-token"}, zerolog.Nop())
	id, err := client.CreateRecord(context.Background(), canonical.EntityPatient, map[string]any{
		"canonicalId": "patient-abc",
		"firstName":   "Alice",
	})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if id != "pm-77" {
		t.Errorf("id = %q, want pm-77", id)
	}
	if gotPath != "/api/records/patient" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer svc-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["canonicalId"] != "patient-abc" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestHTTPClient_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"duplicate chart number"}`, http.StatusConflict)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, zerolog.Nop())
	_, err := client.CreateRecord(context.Background(), canonical.EntityChart, map[string]any{})
	if err == nil {
		t.Fatal("expected error for 409")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "duplicate chart number") {
		t.Errorf("error should carry status and body snippet: %v", err)
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "pm-9"})
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, RetryDelay: time.Millisecond}, zerolog.Nop())
	id, err := client.CreateRecord(context.Background(), canonical.EntityPatient, map[string]any{})
	if err != nil {
		t.Fatalf("transient 502s should be retried: %v", err)
	}
	if id != "pm-9" {
		t.Errorf("id = %q, want pm-9", id)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestHTTPClient_RetriesExhausted(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, MaxAttempts: 2, RetryDelay: time.Millisecond}, zerolog.Nop())
	_, err := client.CreateRecord(context.Background(), canonical.EntityPatient, map[string]any{})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should carry the last status: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestHTTPClient_ClientErrorsAreFinal(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		http.Error(w, `{"error":"missing firstName"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, RetryDelay: time.Millisecond}, zerolog.Nop())
	if _, err := client.CreateRecord(context.Background(), canonical.EntityPatient, map[string]any{}); err == nil {
		t.Fatal("expected error for 422")
	}
	if attempts != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", attempts)
	}
}

func TestHTTPClient_MissingIDInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, zerolog.Nop())
	if _, err := client.CreateRecord(context.Background(), canonical.EntityPatient, map[string]any{}); err == nil {
		t.Fatal("expected error when response has no id")
	}
}

func TestFake_AssignsSequentialIDs(t *testing.T) {
	fake := NewFake()

	first, err := fake.CreateRecord(context.Background(), canonical.EntityPatient, map[string]any{"n": 1.0})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	second, err := fake.CreateRecord(context.Background(), canonical.EntityAppointment, map[string]any{"n": 2.0})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if first == second {
		t.Error("destination ids should be unique")
	}
	created := fake.Created()
	if len(created) != 2 || created[0].EntityType != canonical.EntityPatient {
		t.Errorf("created = %+v", created)
	}
}

func TestFake_InjectedFailure(t *testing.T) {
	fake := NewFake()
	fake.Fail = func(et canonical.EntityType, payload map[string]any) error {
		if payload["canonicalId"] == "patient-bad" {
			return errors.New("rejected")
		}
		return nil
	}

	if _, err := fake.CreateRecord(context.Background(), canonical.EntityPatient, map[string]any{"canonicalId": "patient-bad"}); err == nil {
		t.Fatal("expected injected failure")
	}
	if _, err := fake.CreateRecord(context.Background(), canonical.EntityPatient, map[string]any{"canonicalId": "patient-ok"}); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	if len(fake.Created()) != 1 {
		t.Errorf("only the accepted record should be recorded, got %d", len(fake.Created()))
	}
}
