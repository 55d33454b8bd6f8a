package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookDispatch(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, srv.Client())
	msg := Message{ID: "disp-1", RecipientID: "u1", Title: "verify", Metadata: map[string]string{"request_id": "vr_1"}}
	if err := wh.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.ID != "disp-1" || got.RecipientID != "u1" || got.Metadata["request_id"] != "vr_1" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookDispatchRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, srv.Client()).Dispatch(context.Background(), Message{ID: "d"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
