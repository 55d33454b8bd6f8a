package compare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Remote calls an embedding-similarity service over HTTP. The service
// receives the recipient id, the live embedding and the threshold, and
// answers with {matched, similarity}.
type Remote struct {
	baseURL string
	client  *http.Client
}

var _ Comparator = (*Remote)(nil)

// NewRemote creates a client with sensible defaults.
func NewRemote(baseURL string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Remote{baseURL: baseURL, client: client}
}

type remoteRequest struct {
	RecipientID string    `json:"recipient_id"`
	Embedding   []float64 `json:"embedding"`
	Threshold   float64   `json:"threshold"`
}

func (r *Remote) Compare(ctx context.Context, recipientID string, embedding []float64, threshold float64) (Result, error) {
	payload, err := json.Marshal(remoteRequest{
		RecipientID: recipientID,
		Embedding:   embedding,
		Threshold:   threshold,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrComparison, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/compare", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrComparison, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrComparison, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: comparator returned status %d", ErrComparison, resp.StatusCode)
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrComparison, err)
	}
	return out, nil
}
