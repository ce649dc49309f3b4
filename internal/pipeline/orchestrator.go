// Package pipeline drives a batch through the seven-stage production flow:
// template selection, generation, captioning, safety, upload, persistence,
// statistics.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lumeo-ai/contentforge/internal/caption"
	"github.com/lumeo-ai/contentforge/internal/config"
	"github.com/lumeo-ai/contentforge/internal/costs"
	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/lumeo-ai/contentforge/internal/pkg/retry"
	"github.com/lumeo-ai/contentforge/internal/pkg/ulid"
	"github.com/lumeo-ai/contentforge/internal/provider"
	"github.com/lumeo-ai/contentforge/internal/repository"
	"github.com/lumeo-ai/contentforge/internal/safety"
	"github.com/lumeo-ai/contentforge/internal/storage"
	"github.com/lumeo-ai/contentforge/internal/template"
)

// Stage names published to the progress sink, in execution order.
const (
	StageSelect   = "template_selection"
	StageGenerate = "generation"
	StageCaption  = "captioning"
	StageSafety   = "safety"
	StageUpload   = "upload"
	StagePersist  = "persistence"
	StageStats    = "statistics"
)

var stageOrder = []string{
	StageSelect, StageGenerate, StageCaption, StageSafety,
	StageUpload, StagePersist, StageStats,
}

// maxInlineBytes bounds pieces stored as inline data URLs when the upload
// stage is disabled. Bigger payloads do not fit a database row.
const maxInlineBytes = 10 << 20

// ErrMissingWeights is the terminal precondition failure for avatars whose
// weights were never trained or were deleted.
var ErrMissingWeights = errors.New("avatar has no trained weights")

// Progress is one snapshot published to the sink. Completed never decreases
// within a stage.
type Progress struct {
	Stage      string `json:"stage"`
	StageIndex int    `json:"stage_index"` // 1-based
	Completed  int    `json:"completed"`
	Total      int    `json:"total"`
	Percent    int    `json:"percent"` // whole-batch estimate, 0..100
}

// Sink receives progress snapshots. May be called concurrently.
type Sink func(Progress)

// Generator dispatches one generation request; satisfied by the provider
// router and by test fakes.
type Generator interface {
	Generate(ctx context.Context, req *provider.Request) (*provider.Result, error)
}

// Orchestrator runs batches. Stateless across runs; one instance serves the
// whole process.
type Orchestrator struct {
	cfg        config.PipelineConfig
	generator  Generator
	templates  *template.Library
	captions   caption.Service
	classifier safety.Classifier
	blobs      storage.BlobStore
	broker     storage.URLBroker
	weightsTTL time.Duration
	pieces     repository.PieceRepository
	attempts   repository.AttemptRepository
	logger     *slog.Logger
	now        func() time.Time

	uploadRetry retry.Fixed
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Generator  Generator
	Templates  *template.Library
	Captions   caption.Service
	Classifier safety.Classifier
	Blobs      storage.BlobStore
	Broker     storage.URLBroker
	WeightsTTL time.Duration
	Pieces     repository.PieceRepository
	Attempts   repository.AttemptRepository
	Logger     *slog.Logger
}

// New creates an orchestrator.
func New(cfg config.PipelineConfig, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := deps.WeightsTTL
	if ttl <= 0 {
		ttl = storage.DefaultWeightsTTL
	}
	return &Orchestrator{
		cfg:         cfg,
		generator:   deps.Generator,
		templates:   deps.Templates,
		captions:    deps.Captions,
		classifier:  deps.Classifier,
		blobs:       deps.Blobs,
		broker:      deps.Broker,
		weightsTTL:  ttl,
		pieces:      deps.Pieces,
		attempts:    deps.Attempts,
		logger:      logger,
		now:         time.Now,
		uploadRetry: retry.Fixed{MaxAttempts: 3, Delay: time.Second},
	}
}

// draft is a piece in flight, keyed by its selection index.
type draft struct {
	index      int
	templateID string
	prompt     string
	tier       models.Tier
	knobs      models.GenerationConfig
	seed       *int64

	png   []byte
	piece *models.ContentPiece
}

// run-scoped mutable state shared by stage workers.
type run struct {
	batchID string
	avatar  *models.Avatar
	cfg     models.BatchConfig
	sink    Sink
	sem     *semaphore.Weighted
	acct    *costs.Accountant

	mu       sync.Mutex
	drafts   []*draft
	dropped  []models.PieceDrop
	attempts []models.ProviderAttempt
	weights  *storage.SignedURL
}

func (r *run) drop(index int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, models.PieceDrop{PieceIndex: index, Reason: reason})
}

func (r *run) survivors() []*draft {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*draft, len(r.drafts))
	copy(out, r.drafts)
	return out
}

// Run drives one batch to a terminal state. The returned result is always
// non-nil when error is nil; orchestration-level failures (preconditions,
// deadline, persistence) surface on the result's State and Reason rather
// than as an error.
func (o *Orchestrator) Run(ctx context.Context, avatar *models.Avatar, batchID string, cfg models.BatchConfig, sink Sink) (*models.BatchResult, error) {
	startedAt := o.now()
	result := &models.BatchResult{
		BatchID:    batchID,
		AvatarID:   avatar.ID,
		State:      models.StateRunning,
		TierCounts: make(map[models.Tier]int),
		StartedAt:  startedAt,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !avatar.HasWeights() {
		result.State = models.StateFailed
		result.Reason = models.ReasonMissingWeights
		result.FinishedAt = o.now()
		return result, ErrMissingWeights
	}

	if o.cfg.BatchDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, startedAt.Add(o.cfg.BatchDeadline))
		defer cancel()
	}

	workers := o.cfg.Workers
	if workers <= 0 {
		workers = 5
	}
	r := &run{
		batchID: batchID,
		avatar:  avatar,
		cfg:     cfg,
		sink:    sink,
		sem:     semaphore.NewWeighted(int64(workers)),
		acct:    costs.NewAccountant(batchID),
	}

	// Stage 1: plan. Serial and pure.
	plan := o.plan(avatar, cfg)
	r.drafts = plan
	o.report(r, 1, len(plan), len(plan))

	// The weights URL is minted once per batch; workers share it and the
	// router re-mints on expiry-correlated download failures.
	signed, err := o.broker.MintRead(ctx, weightsPath(avatar), o.weightsTTL)
	if err != nil {
		result.State = models.StateFailed
		result.Reason = models.ReasonStorageUnavailable
		result.FinishedAt = o.now()
		return result, fmt.Errorf("mint weights URL: %w", err)
	}
	r.weights = signed

	stages := []struct {
		index   int
		name    string
		enabled bool
		run     func(context.Context, *run) error
	}{
		{2, StageGenerate, true, o.generate},
		{3, StageCaption, cfg.DoCaptions && o.cfg.CaptionsEnabled, o.captionStage},
		{4, StageSafety, cfg.DoSafety && o.cfg.SafetyEnabled, o.safetyStage},
		{5, StageUpload, cfg.DoUpload && o.cfg.StorageUploadEnabled, o.uploadStage},
	}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return o.abort(result, r, err)
		}
		if !stage.enabled {
			o.report(r, stage.index, 0, 0)
			continue
		}
		if err := stage.run(ctx, r); err != nil {
			return o.abort(result, r, err)
		}
		if stage.index == 2 {
			// Partial-failure policy applies to generation drops only.
			failed := len(plan) - len(r.survivors())
			if float64(failed) > o.cfg.MaxFailedFraction*float64(len(plan)) {
				result.State = models.StateFailed
				result.Reason = models.ReasonFailedFractionExceeded
				o.finalize(result, r)
				return result, nil
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return o.abort(result, r, err)
	}

	// Stage 6: persist. Single transaction, retried once. Cancellation is
	// ignored from here on; the batch is effectively committed.
	if err := o.persist(context.WithoutCancel(ctx), r); err != nil {
		result.State = models.StateFailed
		result.Reason = models.ReasonPersistenceFailed
		o.finalize(result, r)
		return result, nil
	}
	o.report(r, 6, 1, 1)

	// Stage 7: statistics and terminal state.
	if len(r.dropped) == 0 {
		result.State = models.StateSucceeded
	} else {
		result.State = models.StatePartiallySucceeded
	}
	o.finalize(result, r)
	o.report(r, 7, 1, 1)
	return result, nil
}

// abort resolves a context-driven termination into the terminal state.
// Nothing has been persisted when this runs.
func (o *Orchestrator) abort(result *models.BatchResult, r *run, err error) (*models.BatchResult, error) {
	if errors.Is(err, context.DeadlineExceeded) {
		result.State = models.StateFailed
		result.Reason = models.ReasonDeadlineExceeded
	} else {
		result.State = models.StateCancelled
		result.Reason = models.ReasonCancelled
	}
	result.Pieces = nil
	result.Dropped = r.dropped
	result.Cost = r.acct.Summary()
	result.Attempts = r.attempts
	result.FinishedAt = o.now()
	return result, nil
}

func (o *Orchestrator) finalize(result *models.BatchResult, r *run) {
	survivors := r.survivors()
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].index < survivors[j].index })

	if result.State == models.StateFailed {
		result.Pieces = nil
	} else {
		result.Pieces = make([]*models.ContentPiece, 0, len(survivors))
		result.RatingCounts = make(map[models.SafetyRating]int)
		for _, d := range survivors {
			result.Pieces = append(result.Pieces, d.piece)
			result.TierCounts[d.piece.Tier]++
			if d.piece.SafetyRating != nil {
				result.RatingCounts[*d.piece.SafetyRating]++
			}
		}
	}
	result.Dropped = r.dropped
	result.Cost = r.acct.Summary()
	result.Attempts = r.attempts
	result.FinishedAt = o.now()
}

// plan resolves the (prompt, tier, knobs) list for the batch. Deterministic
// given a seed.
func (o *Orchestrator) plan(avatar *models.Avatar, cfg models.BatchConfig) []*draft {
	base := avatar.DefaultGenerationConfig()
	seed := o.now().UnixNano()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}

	drafts := make([]*draft, 0, cfg.NumPieces)
	if len(cfg.CustomPrompts) > 0 {
		tiers := customTiers(cfg)
		for i, text := range cfg.CustomPrompts {
			drafts = append(drafts, &draft{
				index:  i,
				prompt: composePrompt(avatar, text),
				tier:   tiers[i],
				knobs:  base,
			})
		}
	} else {
		selected := o.templates.Select(avatar, cfg.TierMix, cfg.NumPieces, seed)
		for i, tpl := range selected {
			drafts = append(drafts, &draft{
				index:      i,
				templateID: tpl.ID,
				prompt:     composePrompt(avatar, tpl.Render(avatar)),
				tier:       tpl.Tier,
				knobs:      base.Merge(tpl.Knobs),
			})
		}
	}

	if cfg.Seed != nil {
		for _, d := range drafts {
			s := *cfg.Seed + int64(d.index)
			d.seed = &s
		}
	}
	return drafts
}

// customTiers assigns tiers to custom prompts: explicit tiers when given,
// otherwise the mix spread across indices in ascending tier order.
func customTiers(cfg models.BatchConfig) []models.Tier {
	if len(cfg.CustomTiers) == len(cfg.CustomPrompts) && len(cfg.CustomTiers) > 0 {
		return cfg.CustomTiers
	}
	out := make([]models.Tier, 0, cfg.NumPieces)
	counts := cfg.TierMix.Counts(cfg.NumPieces)
	for _, tier := range models.Tiers {
		for i := 0; i < counts[tier]; i++ {
			out = append(out, tier)
		}
	}
	for len(out) < cfg.NumPieces {
		out = append(out, models.TierT1)
	}
	return out
}

func composePrompt(avatar *models.Avatar, text string) string {
	parts := make([]string, 0, 2)
	if avatar.TriggerToken != "" {
		parts = append(parts, avatar.TriggerToken)
	}
	body := strings.TrimSpace(strings.TrimSpace(avatar.BasePrompt) + " " + strings.TrimSpace(text))
	if body != "" {
		parts = append(parts, body)
	}
	return strings.Join(parts, ", ")
}

func weightsPath(avatar *models.Avatar) string {
	if avatar.WeightsURI != nil && *avatar.WeightsURI != "" {
		return *avatar.WeightsURI
	}
	return storage.WeightsPath(avatar.ID.String())
}

// forEachDraft runs fn for every current draft under the shared semaphore,
// reporting per-piece progress. Dropped drafts are pruned afterwards.
func (o *Orchestrator) forEachDraft(ctx context.Context, r *run, stageIndex int, fn func(context.Context, *draft) (keep bool, reason string)) error {
	survivors := r.survivors()
	total := len(survivors)
	completed := 0
	kept := make([]bool, len(survivors))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range survivors {
		// Cancellation is checked on every dispatch.
		if err := gctx.Err(); err != nil {
			break
		}
		if err := r.sem.Acquire(gctx, 1); err != nil {
			break
		}
		i, d := i, d
		g.Go(func() error {
			defer r.sem.Release(1)
			keep, reason := fn(gctx, d)
			kept[i] = keep
			if !keep {
				if cerr := gctx.Err(); cerr != nil {
					return cerr
				}
				r.drop(d.index, reason)
			}

			// Publishing under the lock keeps per-stage counts monotonic
			// for the sink regardless of worker interleaving.
			r.mu.Lock()
			completed++
			o.report(r, stageIndex, completed, total)
			r.mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	next := make([]*draft, 0, len(survivors))
	for i, d := range survivors {
		if kept[i] {
			next = append(next, d)
		}
	}
	r.mu.Lock()
	r.drafts = next
	r.mu.Unlock()
	return nil
}

// generate is stage 2: one router dispatch per planned piece.
func (o *Orchestrator) generate(ctx context.Context, r *run) error {
	return o.forEachDraft(ctx, r, 2, func(ctx context.Context, d *draft) (bool, string) {
		req := &provider.Request{
			BatchID:        r.batchID,
			PieceIndex:     d.index,
			Prompt:         d.prompt,
			NegativePrompt: r.avatar.NegativePrompt,
			Weights:        r.weights,
			WeightsScale:   r.avatar.DefaultScale,
			Width:          d.knobs.Width,
			Height:         d.knobs.Height,
			Steps:          d.knobs.Steps,
			CFG:            d.knobs.CFG,
			Seed:           d.seed,
			Remint: func(ctx context.Context) (*storage.SignedURL, error) {
				fresh, err := o.broker.MintRead(ctx, weightsPath(r.avatar), o.weightsTTL)
				if err != nil {
					return nil, err
				}
				r.mu.Lock()
				r.weights = fresh
				r.mu.Unlock()
				return fresh, nil
			},
			Observe: func(a models.ProviderAttempt) {
				r.acct.Record(costs.OpGenerate, a.Provider, a.CostUSD)
				r.mu.Lock()
				r.attempts = append(r.attempts, a)
				r.mu.Unlock()
			},
		}
		if deadline, ok := ctx.Deadline(); ok {
			req.Deadline = deadline
		}

		res, err := o.generator.Generate(ctx, req)
		if err != nil {
			o.logger.Warn("piece generation failed",
				slog.String("batch_id", r.batchID),
				slog.Int("piece_index", d.index),
				slog.String("error", err.Error()),
			)
			return false, models.DropAllProvidersFailed
		}

		d.png = res.Image.PNG
		var cost float64
		var timeMS int64
		for _, a := range res.Attempts {
			cost += a.CostUSD
			timeMS += a.DurationMS
		}
		params, _ := json.Marshal(map[string]any{
			"prompt":          d.prompt,
			"negative_prompt": r.avatar.NegativePrompt,
			"template_id":     d.templateID,
			"width":           d.knobs.Width,
			"height":          d.knobs.Height,
			"steps":           d.knobs.Steps,
			"cfg":             d.knobs.CFG,
			"scheduler":       d.knobs.Scheduler,
			"seed":            d.seed,
			"weights_scale":   r.avatar.DefaultScale,
			"provider":        res.ProviderUsed,
		})
		d.piece = &models.ContentPiece{
			ID:                ulid.New(),
			AvatarID:          r.avatar.ID,
			Kind:              models.KindImage,
			Tier:              d.tier,
			URL:               dataURL(res.Image.PNG),
			BatchID:           r.batchID,
			PieceIndex:        d.index,
			GenerationParams:  params,
			GenerationCostUSD: cost,
			GenerationTimeMS:  timeMS,
		}
		return true, ""
	})
}

// captionStage is stage 3. Failures are non-fatal; the piece proceeds
// without a caption.
func (o *Orchestrator) captionStage(ctx context.Context, r *run) error {
	platform := r.cfg.Platform
	if platform == "" {
		platform = models.PlatformInstagram
	}
	return o.forEachDraft(ctx, r, 3, func(ctx context.Context, d *draft) (bool, string) {
		text, err := o.captions.Caption(ctx, r.avatar, d.prompt, platform)
		r.acct.Record(costs.OpCaption, "caption", o.captions.CostPerCall())
		if err != nil {
			o.logger.Warn("caption skipped",
				slog.String("batch_id", r.batchID),
				slog.Int("piece_index", d.index),
				slog.String("error", err.Error()),
			)
			return true, ""
		}
		d.piece.Caption = &text
		return true, ""
	})
}

// safetyStage is stage 4: rejected pieces are dropped, everything else gets
// its tier re-derived from the rating.
func (o *Orchestrator) safetyStage(ctx context.Context, r *run) error {
	return o.forEachDraft(ctx, r, 4, func(ctx context.Context, d *draft) (bool, string) {
		rating, _, err := o.classifier.Classify(ctx, d.prompt, d.png)
		r.acct.Record(costs.OpSafety, "safety", o.classifier.CostPerCall())
		if err != nil {
			return false, models.DropSafetyUnavailable
		}
		tier, ok := models.TierFor(rating)
		if !ok {
			return false, models.DropRejectedBySafety
		}
		d.piece.SafetyRating = &rating
		d.piece.Tier = tier
		d.tier = tier
		return true, ""
	})
}

// uploadStage is stage 5: move inline data URLs into blob storage.
func (o *Orchestrator) uploadStage(ctx context.Context, r *run) error {
	return o.forEachDraft(ctx, r, 5, func(ctx context.Context, d *draft) (bool, string) {
		if !strings.HasPrefix(d.piece.URL, "data:") {
			return true, ""
		}
		path := storage.ContentPath(r.avatar.ID.String(), d.piece.ID, "png")
		var publicURL string
		err := o.uploadRetry.Do(ctx, func(ctx context.Context, _ int) error {
			url, err := o.blobs.Put(ctx, path, d.png, "image/png")
			if err != nil {
				return err
			}
			publicURL = url
			return nil
		}, func(err error) bool {
			return storage.IsTransient(err)
		})
		if err != nil {
			o.logger.Warn("upload failed",
				slog.String("batch_id", r.batchID),
				slog.Int("piece_index", d.index),
				slog.String("error", err.Error()),
			)
			return false, models.DropUploadFailed
		}
		d.piece.URL = publicURL
		return true, ""
	})
}

// persist is stage 6: one transaction for all surviving pieces, retried
// once on commit failure. Attempt telemetry is best-effort.
func (o *Orchestrator) persist(ctx context.Context, r *run) error {
	survivors := r.survivors()
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].index < survivors[j].index })

	rows := make([]*models.ContentPiece, 0, len(survivors))
	kept := make([]*draft, 0, len(survivors))
	for _, d := range survivors {
		// Pieces that never uploaded must fit inline.
		if strings.HasPrefix(d.piece.URL, "data:") && len(d.png) > maxInlineBytes {
			r.drop(d.index, models.DropUploadFailed)
			continue
		}
		rows = append(rows, d.piece)
		kept = append(kept, d)
	}
	r.mu.Lock()
	r.drafts = kept
	r.mu.Unlock()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if _, err = o.pieces.InsertBatch(ctx, rows); err == nil {
			break
		}
		o.logger.Error("piece persistence failed",
			slog.String("batch_id", r.batchID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	if err != nil {
		return err
	}

	if o.attempts != nil {
		if aerr := o.attempts.InsertMany(ctx, r.attempts); aerr != nil {
			o.logger.Warn("attempt telemetry not persisted",
				slog.String("batch_id", r.batchID),
				slog.String("error", aerr.Error()),
			)
		}
	}
	return nil
}

func (o *Orchestrator) report(r *run, stageIndex, completed, total int) {
	if r.sink == nil {
		return
	}
	frac := 1.0
	if total > 0 {
		frac = float64(completed) / float64(total)
	}
	r.sink(Progress{
		Stage:      stageOrder[stageIndex-1],
		StageIndex: stageIndex,
		Completed:  completed,
		Total:      total,
		Percent:    int(100 * (float64(stageIndex-1) + frac) / float64(len(stageOrder))),
	})
}

func dataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
