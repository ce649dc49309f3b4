// Package costs accumulates per-attempt cost events for a batch.
package costs

import (
	"sync"

	"github.com/lumeo-ai/contentforge/internal/models"
)

// Operations recorded by the pipeline.
const (
	OpGenerate = "generate"
	OpCaption  = "caption"
	OpSafety   = "safety"
	OpUpload   = "upload"
)

// Accountant aggregates cost events keyed by (operation, provider).
// Safe for concurrent writes from pipeline workers. Failed attempts are
// recorded too; failure is not free.
type Accountant struct {
	mu          sync.Mutex
	batchID     string
	total       float64
	count       int
	byOperation map[string]models.OpTotal
	byProvider  map[string]models.OpTotal
}

// NewAccountant creates an accountant for one batch.
func NewAccountant(batchID string) *Accountant {
	return &Accountant{
		batchID:     batchID,
		byOperation: make(map[string]models.OpTotal),
		byProvider:  make(map[string]models.OpTotal),
	}
}

// Record adds one cost event.
func (a *Accountant) Record(operation, provider string, costUSD float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total += costUSD
	a.count++

	op := a.byOperation[operation]
	op.CostUSD += costUSD
	op.Count++
	a.byOperation[operation] = op

	if provider != "" {
		p := a.byProvider[provider]
		p.CostUSD += costUSD
		p.Count++
		a.byProvider[provider] = p
	}
}

// Summary returns the batch-level cost report.
func (a *Accountant) Summary() models.CostSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	byOp := make(map[string]models.OpTotal, len(a.byOperation))
	for k, v := range a.byOperation {
		byOp[k] = v
	}
	byProv := make(map[string]models.OpTotal, len(a.byProvider))
	for k, v := range a.byProvider {
		byProv[k] = v
	}
	return models.CostSummary{
		TotalUSD:    a.total,
		ByOperation: byOp,
		ByProvider:  byProv,
		Count:       a.count,
	}
}
