package provider

import (
	"context"
	"errors"

	"github.com/lumeo-ai/contentforge/internal/models"
)

// disposition tells the router what to do after a failed attempt.
type disposition int

const (
	// retrySame retries on the same provider within its attempt budget.
	retrySame disposition = iota
	// retryOnceThenNext allows a single retry before moving on.
	retryOnceThenNext
	// nextProvider gives up on this provider immediately.
	nextProvider
	// terminal surfaces to the caller; no provider can fix it.
	terminal
)

// classify maps a provider error onto the retry disposition.
//
// CUDA_OOM is retried within the provider budget rather than skipped:
// GPU memory pressure on serverless workers clears between invocations,
// and exhausting the budget keeps fallback behavior observable per piece.
func classify(pe *ProviderError) disposition {
	switch pe.Code {
	case CodeInvalidPrompt:
		return terminal
	case CodeLoraLoadFailed, CodeModelLoadFailed:
		return nextProvider
	case CodeGenerationFailed:
		return retryOnceThenNext
	case CodeLoraDownloadFailed, CodeTimeout, CodeTransient, CodeCUDAOOM:
		return retrySame
	default:
		// Unclassified 5xx is worth retrying; anything else means this
		// provider cannot serve the request.
		if pe.HTTPStatus >= 500 {
			return retrySame
		}
		return nextProvider
	}
}

// outcomeFor maps an attempt error to its telemetry outcome.
func outcomeFor(err error) models.AttemptOutcome {
	if err == nil {
		return models.OutcomeOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.OutcomeTimeout
	}
	pe := AsProviderError(err)
	if pe == nil {
		return models.OutcomeRetryableError
	}
	switch classify(pe) {
	case retrySame, retryOnceThenNext:
		if pe.Code == CodeTimeout {
			return models.OutcomeTimeout
		}
		return models.OutcomeRetryableError
	default:
		return models.OutcomeFatalError
	}
}
