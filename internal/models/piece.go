package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ContentKind distinguishes generated artifact types.
type ContentKind string

const (
	KindImage ContentKind = "image"
	KindVideo ContentKind = "video"
)

// Valid returns true if the kind is recognized.
func (k ContentKind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// Tier is the distribution explicitness class of a piece.
type Tier string

const (
	TierT1 Tier = "T1" // broadcast-safe
	TierT2 Tier = "T2"
	TierT3 Tier = "T3" // paywalled
)

// Tiers lists all tiers in ascending explicitness order.
var Tiers = []Tier{TierT1, TierT2, TierT3}

// Valid returns true if the tier is recognized.
func (t Tier) Valid() bool {
	switch t {
	case TierT1, TierT2, TierT3:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (t Tier) String() string {
	return string(t)
}

// SafetyRating is the moderation outcome of a piece.
type SafetyRating string

const (
	RatingSafe       SafetyRating = "safe"
	RatingSuggestive SafetyRating = "suggestive"
	RatingBorderline SafetyRating = "borderline"
	RatingRejected   SafetyRating = "rejected"
)

// TierFor maps a safety rating to its distribution tier. The second return
// is false for rejected pieces, which never get a tier.
func TierFor(r SafetyRating) (Tier, bool) {
	switch r {
	case RatingSafe:
		return TierT1, true
	case RatingSuggestive:
		return TierT2, true
	case RatingBorderline:
		return TierT3, true
	default:
		return "", false
	}
}

// ContentPiece is a single generated artifact persisted as one row.
// Created after a successful provider response; the only mutation it ever
// sees is the storage-upload stage swapping a data URL for a CDN URL.
type ContentPiece struct {
	ID                string          `json:"id" db:"id"`
	AvatarID          uuid.UUID       `json:"avatar_id" db:"avatar_id"`
	Kind              ContentKind     `json:"kind" db:"kind"`
	Tier              Tier            `json:"tier" db:"tier"`
	URL               string          `json:"url" db:"url"`
	Caption           *string         `json:"caption,omitempty" db:"caption"`
	SafetyRating      *SafetyRating   `json:"safety_rating,omitempty" db:"safety_rating"`
	BatchID           string          `json:"batch_id" db:"batch_id"`
	PieceIndex        int             `json:"piece_index" db:"piece_index"`
	GenerationParams  json.RawMessage `json:"generation_params,omitempty" db:"generation_params"`
	GenerationCostUSD float64         `json:"generation_cost_usd" db:"generation_cost_usd"`
	GenerationTimeMS  int64           `json:"generation_time_ms" db:"generation_time_ms"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// PieceFilters narrows piece listings.
type PieceFilters struct {
	Tier         *Tier
	SafetyRating *SafetyRating
	Kind         *ContentKind
	BatchID      *string
	Limit        int
	Offset       int
}

// PieceStats aggregates a single avatar's persisted pieces.
type PieceStats struct {
	Total        int64                  `json:"total"`
	ByTier       map[Tier]int64         `json:"by_tier"`
	ByRating     map[SafetyRating]int64 `json:"by_rating"`
	TotalCostUSD float64                `json:"total_cost_usd"`
	AvgTimeMS    float64                `json:"avg_time_ms"`
}
