package models

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BatchState is the lifecycle state of a batch or job.
type BatchState string

const (
	StateQueued             BatchState = "queued"
	StateRunning            BatchState = "running"
	StateSucceeded          BatchState = "succeeded"
	StatePartiallySucceeded BatchState = "partially_succeeded"
	StateFailed             BatchState = "failed"
	StateCancelled          BatchState = "cancelled"
)

// Terminal reports whether the state is final.
func (s BatchState) Terminal() bool {
	switch s {
	case StateSucceeded, StatePartiallySucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// TierMix maps tiers to target ratios. Ratios must be in [0,1] and sum to 1.
type TierMix map[Tier]float64

// Validate checks ratio bounds and that the mix sums to 1 within 1e-6.
func (m TierMix) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("tier_mix is empty")
	}
	sum := 0.0
	for tier, ratio := range m {
		if !tier.Valid() {
			return fmt.Errorf("unknown tier %q", tier)
		}
		if ratio < 0 || ratio > 1 {
			return fmt.Errorf("tier %s ratio %v out of [0,1]", tier, ratio)
		}
		sum += ratio
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("tier_mix ratios sum to %v, want 1.0", sum)
	}
	return nil
}

// Counts converts the mix into integer per-tier counts summing exactly to k
// using largest-remainder rounding. Ties go to the lower tier.
func (m TierMix) Counts(k int) map[Tier]int {
	type share struct {
		tier Tier
		frac float64
	}
	counts := make(map[Tier]int, len(m))
	assigned := 0
	shares := make([]share, 0, len(m))
	for _, tier := range Tiers {
		ratio, ok := m[tier]
		if !ok {
			continue
		}
		exact := ratio * float64(k)
		floor := int(math.Floor(exact))
		counts[tier] = floor
		assigned += floor
		shares = append(shares, share{tier: tier, frac: exact - float64(floor)})
	}
	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].frac > shares[j].frac
	})
	for i := 0; assigned < k && len(shares) > 0; i = (i + 1) % len(shares) {
		counts[shares[i].tier]++
		assigned++
	}
	return counts
}

// Platform identifies a caption target platform.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformX         Platform = "x"
	PlatformOnlyFans  Platform = "onlyfans"
)

// Valid returns true if the platform is recognized.
func (p Platform) Valid() bool {
	switch p {
	case PlatformInstagram, PlatformTikTok, PlatformX, PlatformOnlyFans:
		return true
	default:
		return false
	}
}

// BatchConfig is the closed configuration record for one batch request.
// Unknown options are rejected at the HTTP boundary.
type BatchConfig struct {
	NumPieces     int      `json:"num_pieces" validate:"required,min=1,max=200"`
	TierMix       TierMix  `json:"tier_mix"`
	Platform      Platform `json:"platform,omitempty"`
	DoCaptions    bool     `json:"do_captions"`
	DoSafety      bool     `json:"do_safety"`
	DoUpload      bool     `json:"do_upload"`
	CustomPrompts []string `json:"custom_prompts,omitempty"`
	CustomTiers   []Tier   `json:"custom_tiers,omitempty"`
	ProviderHint  string   `json:"provider_hint,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
}

// Validate enforces the batch preconditions that do not require the avatar.
func (c *BatchConfig) Validate() error {
	if c.NumPieces < 1 || c.NumPieces > 200 {
		return fmt.Errorf("num_pieces %d out of [1,200]", c.NumPieces)
	}
	if len(c.CustomPrompts) == 0 || c.TierMix != nil {
		if err := c.TierMix.Validate(); err != nil {
			return err
		}
	}
	if len(c.CustomPrompts) > 0 && len(c.CustomPrompts) != c.NumPieces {
		return fmt.Errorf("custom_prompts has %d entries, want num_pieces=%d", len(c.CustomPrompts), c.NumPieces)
	}
	if len(c.CustomTiers) > 0 {
		if len(c.CustomTiers) != c.NumPieces {
			return fmt.Errorf("custom_tiers has %d entries, want num_pieces=%d", len(c.CustomTiers), c.NumPieces)
		}
		for _, t := range c.CustomTiers {
			if !t.Valid() {
				return fmt.Errorf("unknown tier %q in custom_tiers", t)
			}
		}
	}
	if c.Platform != "" && !c.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	return nil
}

// PieceDrop records a piece removed from a batch and why.
type PieceDrop struct {
	PieceIndex int    `json:"piece_index"`
	Reason     string `json:"reason"`
}

// Drop reasons recorded on batch results.
const (
	DropAllProvidersFailed = "all_providers_failed"
	DropRejectedBySafety   = "rejected_by_safety"
	DropSafetyUnavailable  = "safety_unavailable"
	DropUploadFailed       = "upload_failed"
)

// Batch failure reasons.
const (
	ReasonFailedFractionExceeded = "failed_fraction_exceeded"
	ReasonDeadlineExceeded       = "deadline_exceeded"
	ReasonPersistenceFailed      = "persistence_failed"
	ReasonStorageUnavailable     = "storage_unavailable"
	ReasonMissingWeights         = "missing_weights"
	ReasonCancelled              = "cancelled"
)

// CostSummary is the batch-level cost report from the accountant.
type CostSummary struct {
	TotalUSD    float64            `json:"total_usd"`
	ByOperation map[string]OpTotal `json:"by_operation"`
	ByProvider  map[string]OpTotal `json:"by_provider"`
	Count       int                `json:"count"`
}

// OpTotal aggregates cost and event count for one key.
type OpTotal struct {
	CostUSD float64 `json:"cost_usd"`
	Count   int     `json:"count"`
}

// BatchResult is the terminal outcome of one batch run.
type BatchResult struct {
	BatchID      string               `json:"batch_id"`
	AvatarID     uuid.UUID            `json:"avatar_id"`
	State        BatchState           `json:"state"`
	Reason       string               `json:"reason,omitempty"`
	Pieces       []*ContentPiece      `json:"pieces"`
	Dropped      []PieceDrop          `json:"dropped,omitempty"`
	TierCounts   map[Tier]int         `json:"tier_counts"`
	RatingCounts map[SafetyRating]int `json:"rating_counts,omitempty"`
	Cost         CostSummary          `json:"cost"`
	Attempts     []ProviderAttempt    `json:"attempts,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at"`
}
