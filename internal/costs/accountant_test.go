package costs

import (
	"sync"
	"testing"

	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountantRecord(t *testing.T) {
	acct := NewAccountant("batch-1")

	acct.Record(OpGenerate, "serverless", 0.05)
	acct.Record(OpGenerate, "serverless", 0.03)
	acct.Record(OpGenerate, "local", 0.01)
	acct.Record(OpCaption, "caption", 0.002)

	summary := acct.Summary()
	assert.InDelta(t, 0.092, summary.TotalUSD, 1e-9)
	assert.Equal(t, 4, summary.Count)

	gen := summary.ByOperation[OpGenerate]
	assert.InDelta(t, 0.09, gen.CostUSD, 1e-9)
	assert.Equal(t, 3, gen.Count)

	srv := summary.ByProvider["serverless"]
	assert.InDelta(t, 0.08, srv.CostUSD, 1e-9)
	assert.Equal(t, 2, srv.Count)
}

func TestAccountantEmptyProviderNotTracked(t *testing.T) {
	acct := NewAccountant("batch-1")
	acct.Record(OpUpload, "", 0.001)

	summary := acct.Summary()
	assert.Empty(t, summary.ByProvider)
	assert.Equal(t, 1, summary.ByOperation[OpUpload].Count)
}

func TestAccountantConcurrentRecord(t *testing.T) {
	acct := NewAccountant("batch-1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				acct.Record(OpGenerate, "serverless", 0.01)
			}
		}()
	}
	wg.Wait()

	summary := acct.Summary()
	require.Equal(t, 5000, summary.Count)
	assert.InDelta(t, 50.0, summary.TotalUSD, 1e-6)
}

func TestAccountantSummaryIsCopy(t *testing.T) {
	acct := NewAccountant("batch-1")
	acct.Record(OpGenerate, "serverless", 0.01)

	summary := acct.Summary()
	summary.ByOperation[OpGenerate] = models.OpTotal{CostUSD: 999}

	fresh := acct.Summary()
	assert.InDelta(t, 0.01, fresh.ByOperation[OpGenerate].CostUSD, 1e-9)
}
