package compare

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRemoteCompare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/compare" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.RecipientID != "u1" || req.Threshold != 0.8 {
			t.Errorf("unexpected payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(Result{Matched: true, Similarity: 0.91})
	}))
	defer srv.Close()

	res, err := NewRemote(srv.URL, srv.Client()).Compare(context.Background(), "u1", []float64{1, 0}, 0.8)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !res.Matched || res.Similarity != 0.91 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRemoteCompareBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, srv.Client()).Compare(context.Background(), "u1", []float64{1, 0}, 0.8)
	if !errors.Is(err, ErrComparison) {
		t.Fatalf("expected ErrComparison, got %v", err)
	}
}
