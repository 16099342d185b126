// Package runtime composes the result cache, the admission queue, and the
// memory scheduler into named AI operations for the recruiting pipeline.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hirewise/aicore/internal/events"
	"github.com/hirewise/aicore/internal/metrics"
	"github.com/hirewise/aicore/internal/providers"
	"github.com/hirewise/aicore/internal/runtime/cache"
	"github.com/hirewise/aicore/internal/runtime/memsched"
	"github.com/hirewise/aicore/internal/runtime/ratelimit"
	"github.com/hirewise/aicore/internal/store"
)

// persistTimeout bounds the best-effort write of a computed result to the
// result store.
const persistTimeout = 2 * time.Second

// OrchestratorOptions assembles an orchestrator from its collaborators. The
// orchestrator never mutates their internal state directly; it only calls
// their public operations.
type OrchestratorOptions struct {
	Cache     *cache.Cache[Result]
	Limiter   *ratelimit.Limiter[Result]
	Scheduler *memsched.Scheduler
	Providers providers.Bundle
	Bus       *events.Bus
	Store     store.ResultStore
	Metrics   *metrics.Recorder
}

// Orchestrator binds operation types to cache key spaces, service quotas, and
// priorities, and runs the per-candidate processing pipeline.
type Orchestrator struct {
	logger    *slog.Logger
	cache     *cache.Cache[Result]
	limiter   *ratelimit.Limiter[Result]
	scheduler *memsched.Scheduler
	providers providers.Bundle
	bus       *events.Bus
	store     store.ResultStore
	metrics   *metrics.Recorder
}

// NewOrchestrator wires the core components together.
func NewOrchestrator(logger *slog.Logger, opts OrchestratorOptions) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:    logger.With(slog.String("agent", "orchestrator")),
		cache:     opts.Cache,
		limiter:   opts.Limiter,
		scheduler: opts.Scheduler,
		providers: opts.Providers,
		bus:       opts.Bus,
		store:     opts.Store,
		metrics:   opts.Metrics,
	}
}

// Execute runs one named operation under its binding: cache lookup first, on
// miss a unit of work submitted to the admission queue, result cached on
// success. Failures are surfaced to the caller and never cached. The returned
// bool reports whether the result came from cache.
func (o *Orchestrator) Execute(ctx context.Context, operationID string, opType OperationType, payload Payload, priority ratelimit.Priority) (Result, bool, error) {
	bind, ok := bindings[opType]
	if !ok {
		return Result{}, false, fmt.Errorf("runtime: unknown operation type %q", opType)
	}
	if priority < ratelimit.PriorityLow || priority > ratelimit.PriorityHigh {
		priority = bind.priority
	}
	if operationID == "" {
		operationID = uuid.NewString()
	}

	o.publish(events.Event{
		Type:          events.ProcessingStart,
		OperationID:   operationID,
		OperationType: string(opType),
		CandidateID:   payload.CandidateID,
	})

	start := time.Now()
	key := cache.Key(string(opType), payload)
	result, hit, err := o.cache.GetOrCompute(ctx, key, func(ctx context.Context) (Result, error) {
		future := o.limiter.Submit(bind.service, priority, func(ctx context.Context) (Result, error) {
			return o.providerCall(ctx, opType, payload)
		})
		return future.Wait(ctx)
	}, bind.ttl)
	elapsed := time.Since(start)

	if err != nil {
		o.metrics.ObserveOperation(string(opType), "error", false, elapsed)
		o.publish(events.Event{
			Type:          events.ProcessingError,
			OperationID:   operationID,
			OperationType: string(opType),
			CandidateID:   payload.CandidateID,
			Duration:      elapsed,
			Error:         err.Error(),
		})
		return Result{}, false, err
	}

	o.metrics.ObserveOperation(string(opType), "success", hit, elapsed)
	o.publish(events.Event{
		Type:          events.ProcessingComplete,
		OperationID:   operationID,
		OperationType: string(opType),
		CandidateID:   payload.CandidateID,
		Duration:      elapsed,
		CacheHit:      hit,
	})
	if !hit {
		o.persist(key, opType, result)
	}
	return result, hit, nil
}

// providerCall dispatches one operation to its backing provider surface.
func (o *Orchestrator) providerCall(ctx context.Context, opType OperationType, payload Payload) (Result, error) {
	bind := bindings[opType]
	switch opType {
	case OpResumeAnalysis:
		text := payload.Text
		if payload.Document != nil {
			extracted, err := o.providers.Documents.ExtractText(ctx, *payload.Document)
			if err != nil {
				return Result{}, providers.Wrap(bind.service, err)
			}
			text = extracted
		}
		out, err := o.providers.Completions.GenerateCompletion(ctx, fmt.Sprintf(resumeAnalysisPrompt, text))
		if err != nil {
			return Result{}, providers.Wrap(bind.service, err)
		}
		return Result{Type: opType, Text: out}, nil
	case OpSkillExtraction:
		out, err := o.providers.Completions.GenerateCompletion(ctx, fmt.Sprintf(skillExtractionPrompt, payload.Text))
		if err != nil {
			return Result{}, providers.Wrap(bind.service, err)
		}
		return Result{Type: opType, Text: out}, nil
	case OpEmbedding:
		vector, err := o.providers.Embeddings.GenerateEmbedding(ctx, payload.Text)
		if err != nil {
			return Result{}, providers.Wrap(bind.service, err)
		}
		return Result{Type: opType, Vector: vector}, nil
	case OpJobMatching:
		out, err := o.providers.Completions.GenerateCompletion(ctx, fmt.Sprintf(jobMatchingPrompt, payload.Text, payload.JobDescription))
		if err != nil {
			return Result{}, providers.Wrap(bind.service, err)
		}
		return Result{Type: opType, Text: out}, nil
	case OpVideoAnalysis:
		text := payload.Text
		if payload.Document != nil {
			extracted, err := o.providers.Documents.ExtractText(ctx, *payload.Document)
			if err != nil {
				return Result{}, providers.Wrap(bind.service, err)
			}
			text = extracted
		}
		out, err := o.providers.Completions.GenerateCompletion(ctx, fmt.Sprintf(videoAnalysisPrompt, text))
		if err != nil {
			return Result{}, providers.Wrap(bind.service, err)
		}
		return Result{Type: opType, Text: out}, nil
	case OpBiasDetection:
		out, err := o.providers.Completions.GenerateCompletion(ctx, fmt.Sprintf(biasDetectionPrompt, payload.Text))
		if err != nil {
			return Result{}, providers.Wrap(bind.service, err)
		}
		return Result{Type: opType, Text: out}, nil
	default:
		return Result{}, fmt.Errorf("runtime: unknown operation type %q", opType)
	}
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ev)
}

// persist writes a freshly computed result to the datastore collaborator.
// Best effort only; the operation already succeeded from the caller's view.
func (o *Orchestrator) persist(key string, opType OperationType, result Result) {
	if o.store == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		o.logger.Warn("result marshal for persistence failed", slog.String("operation", string(opType)), slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.Persist(ctx, key, store.Record{
		OperationType: string(opType),
		Payload:       payload,
		CompletedAt:   time.Now().UTC(),
	}); err != nil {
		o.logger.Warn("result persistence failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Candidate is the input of the composite processing pipeline.
type Candidate struct {
	ID             string              `json:"id"`
	ResumeText     string              `json:"resumeText,omitempty"`
	Resume         *providers.Document `json:"resume,omitempty"`
	JobDescription string              `json:"jobDescription,omitempty"`
	Video          *providers.Document `json:"video,omitempty"`
}

// CandidateProfile aggregates the outcome of the composite pipeline. Stages
// that failed leave a nil result and an entry in StageErrors; independent
// stages are unaffected by each other's failures.
type CandidateProfile struct {
	CandidateID string            `json:"candidateId"`
	Resume      *Result           `json:"resume,omitempty"`
	Skills      *Result           `json:"skills,omitempty"`
	Embedding   *Result           `json:"embedding,omitempty"`
	Matching    *Result           `json:"matching,omitempty"`
	Video       *Result           `json:"video,omitempty"`
	StageErrors map[string]string `json:"stageErrors,omitempty"`
}

// ProcessCandidate runs the full single-candidate pipeline: resume analysis,
// skill extraction, and embedding fan out concurrently; job matching runs
// after the embedding completes and is skipped when the embedding failed;
// video analysis runs only when a video is present. Cache keys derive from
// the candidate identity, so reprocessing the same candidate hits the cache.
func (o *Orchestrator) ProcessCandidate(ctx context.Context, cand Candidate, priority ratelimit.Priority) (*CandidateProfile, error) {
	if cand.ID == "" {
		return nil, errors.New("runtime: candidate id required")
	}
	if cand.ResumeText == "" && cand.Resume == nil {
		return nil, fmt.Errorf("runtime: candidate %s has no resume", cand.ID)
	}

	operationID := uuid.NewString()
	profile := &CandidateProfile{CandidateID: cand.ID, StageErrors: make(map[string]string)}
	base := Payload{CandidateID: cand.ID, Text: cand.ResumeText, Document: cand.Resume}

	var mu sync.Mutex
	record := func(stage OperationType, res Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			profile.StageErrors[string(stage)] = err.Error()
			return
		}
		out := res
		switch stage {
		case OpResumeAnalysis:
			profile.Resume = &out
		case OpSkillExtraction:
			profile.Skills = &out
		case OpEmbedding:
			profile.Embedding = &out
		case OpJobMatching:
			profile.Matching = &out
		case OpVideoAnalysis:
			profile.Video = &out
		}
	}

	run := func(stage OperationType, payload Payload) (Result, error) {
		res, _, err := o.Execute(ctx, operationID, stage, payload, priority)
		record(stage, res, err)
		return res, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		run(OpResumeAnalysis, base)
	}()
	go func() {
		defer wg.Done()
		run(OpSkillExtraction, base)
	}()
	if cand.Video != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(OpVideoAnalysis, Payload{CandidateID: cand.ID, Document: cand.Video})
		}()
	}

	// Matching depends on the embedding result, so the two run sequentially
	// on this goroutine while the independent stages fan out above.
	if _, err := run(OpEmbedding, base); err == nil && cand.JobDescription != "" {
		run(OpJobMatching, Payload{CandidateID: cand.ID, Text: cand.ResumeText, JobDescription: cand.JobDescription})
	}

	wg.Wait()
	if len(profile.StageErrors) == 0 {
		profile.StageErrors = nil
	}
	return profile, nil
}

// ProcessCandidates runs the single-candidate pipeline over a batch,
// delegating batch sizing, admission gating, and inter-batch pacing to the
// memory scheduler. Per-item failures leave a nil slot; siblings proceed.
func (o *Orchestrator) ProcessCandidates(ctx context.Context, cands []Candidate, opts memsched.Options) ([]*CandidateProfile, error) {
	processor := func(ctx context.Context, cand Candidate) (*CandidateProfile, error) {
		return o.ProcessCandidate(ctx, cand, opts.Priority)
	}
	results, err := memsched.ProcessWithLimit(ctx, o.scheduler, cands, processor, opts)
	if err != nil {
		return nil, err
	}
	// ProcessWithLimit returns positional pointers to the processor's return
	// type; flatten the double indirection for callers.
	profiles := make([]*CandidateProfile, len(results))
	for i, r := range results {
		if r != nil {
			profiles[i] = *r
		}
	}
	return profiles, nil
}

// Stats snapshots the three components for the GetStats surface.
type Stats struct {
	Cache     cache.Stats        `json:"cache"`
	RateLimit ratelimit.Status   `json:"rateLimit"`
	Memory    memsched.Telemetry `json:"memory"`
}

// Stats reports a point-in-time view across cache, limiter, and scheduler.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Cache:     o.cache.Stats(),
		RateLimit: o.limiter.Status(),
		Memory:    o.scheduler.Telemetry(),
	}
}
