// Package compare abstracts the biometric embedding comparator. The matching
// algorithm itself is an external collaborator; the coordinator only depends
// on the {matched, similarity} contract.
package compare

import (
	"context"
	"errors"
)

// ErrComparison indicates the comparator could not produce a result
// (missing enrollment, malformed embedding, upstream failure).
var ErrComparison = errors.New("comparison failed")

// Result is the outcome of one comparison. A non-match is a normal result,
// not an error.
type Result struct {
	Matched    bool    `json:"matched"`
	Similarity float64 `json:"similarity"`
}

// Comparator compares a live embedding against the recipient's enrolled
// template. Implementations must not retain references to the embedding.
type Comparator interface {
	Compare(ctx context.Context, recipientID string, embedding []float64, threshold float64) (Result, error)
}
