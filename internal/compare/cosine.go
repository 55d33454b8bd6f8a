package compare

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// Cosine is a local comparator over enrolled reference embeddings.
// Similarity is the cosine of the angle between the live and enrolled
// vectors, clamped to [0,1].
type Cosine struct {
	mu       sync.RWMutex
	enrolled map[string][]float64
}

var _ Comparator = (*Cosine)(nil)

// NewCosine creates a comparator with no enrollments.
func NewCosine() *Cosine {
	return &Cosine{enrolled: make(map[string][]float64)}
}

// Enroll stores the reference embedding for a recipient.
func (c *Cosine) Enroll(recipientID string, embedding []float64) {
	cp := make([]float64, len(embedding))
	copy(cp, embedding)
	c.mu.Lock()
	c.enrolled[recipientID] = cp
	c.mu.Unlock()
}

func (c *Cosine) Compare(ctx context.Context, recipientID string, embedding []float64, threshold float64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrComparison, err)
	}
	c.mu.RLock()
	ref, ok := c.enrolled[recipientID]
	c.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: no enrollment for %s", ErrComparison, recipientID)
	}
	if len(embedding) == 0 || len(embedding) != len(ref) {
		return Result{}, fmt.Errorf("%w: embedding dimension %d, want %d", ErrComparison, len(embedding), len(ref))
	}

	var dot, na, nb float64
	for i := range ref {
		dot += ref[i] * embedding[i]
		na += ref[i] * ref[i]
		nb += embedding[i] * embedding[i]
	}
	if na == 0 || nb == 0 {
		return Result{}, fmt.Errorf("%w: zero-magnitude embedding", ErrComparison)
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return Result{Matched: sim >= threshold, Similarity: sim}, nil
}
