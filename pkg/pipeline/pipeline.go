// Package pipeline implements the stage graph that turns an admitted Job
// into one Artifact per requested content type, publishing progress to the
// event bus and writing through the content cache on completion. Work is
// broken into a fixed core chain followed by a fanned-out set of
// repurposing stages covering the blog→{social,audio,video} content graph.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/jobserver/pkg/cache"
	"github.com/contentforge/jobserver/pkg/eventbus"
	"github.com/contentforge/jobserver/pkg/metrics"
	"github.com/contentforge/jobserver/pkg/models"
)

// chunkSize bounds how much text a single content_chunk event carries —
// small enough that a slow client's buffer never backs up badly, large
// enough to keep event volume sane.
const chunkSize = 480

// ArtifactStore is the persistence seam the pipeline needs from the
// artifact store.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, artifact *models.Artifact) error
}

// Stage is one node in a content job's execution graph.
type Stage struct {
	Name         string
	ContentType  models.ContentType
	PromptSuffix string
}

// coreStages is the always-executed blog pipeline: research, then write,
// then edit.
var coreStages = []Stage{
	{Name: "research", ContentType: models.ContentBlog, PromptSuffix: "Research the topic and gather key points."},
	{Name: "write", ContentType: models.ContentBlog, PromptSuffix: "Write a complete draft from the research."},
	{Name: "edit", ContentType: models.ContentBlog, PromptSuffix: "Edit the draft for clarity and correctness."},
}

// repurposeStage returns the terminal repurposing stage for a non-blog
// content type, run after the core blog stages complete.
func repurposeStage(ct models.ContentType) Stage {
	switch ct {
	case models.ContentSocial:
		return Stage{Name: "repurpose_social", ContentType: ct, PromptSuffix: "Repurpose the edited blog post into a short social post."}
	case models.ContentAudio:
		return Stage{Name: "repurpose_audio", ContentType: ct, PromptSuffix: "Repurpose the edited blog post into an audio narration script."}
	case models.ContentVideo:
		return Stage{Name: "repurpose_video", ContentType: ct, PromptSuffix: "Repurpose the edited blog post into a video script with scene cues."}
	default:
		return Stage{Name: "repurpose_blog", ContentType: ct}
	}
}

// Pipeline executes jobs against a Generator, publishing to the event bus
// and persisting artifacts via the store, with cache write-through.
type Pipeline struct {
	gen   Generator
	store ArtifactStore
	bus   *eventbus.Bus
	cache *cache.Cache
}

// New creates a Pipeline.
func New(gen Generator, store ArtifactStore, bus *eventbus.Bus, c *cache.Cache) *Pipeline {
	return &Pipeline{gen: gen, store: store, bus: bus, cache: c}
}

// Execute runs job's full stage graph to completion or returns the first
// error/cancellation encountered. The scheduler is responsible for
// translating the returned error into the job's terminal status.
func (p *Pipeline) Execute(ctx context.Context, job *models.Job) error {
	log := slog.With("job_id", job.JobID)

	token := uuid.New().String()
	state, _ := p.cache.Begin(job.Fingerprint, job.UserID, token)
	if state == cache.BecameFollower {
		return p.waitOnLeader(ctx, job)
	}

	bundle, err := p.runStages(ctx, job)
	if err != nil {
		p.cache.Abort(job.Fingerprint, token, err)
		return err
	}

	p.cache.Publish(job.Fingerprint, token, bundle, defaultCacheTTL)
	log.Info("job pipeline complete", "artifacts", len(bundle))
	return nil
}

// defaultCacheTTL is used when publishing a freshly built bundle. Every
// published bundle gets this same TTL; the tier's cache TTL computed at
// admission (tierpolicy.Admission.CacheTTL) is not carried on the job and
// is not applied to cache entries.
const defaultCacheTTL = time.Hour

// waitOnLeader is taken when this job's fingerprint is already being built
// by another in-flight job (a cache race that slipped past the scheduler's
// own lookup, e.g. two identical requests admitted in the same tick).
// It republishes the leader's bundle as this job's own artifacts once ready.
func (p *Pipeline) waitOnLeader(ctx context.Context, job *models.Job) error {
	waiter := p.cache.Wait(job.Fingerprint)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waiter.Done():
	}
	bundle, err := waiter.Result()
	if err != nil {
		return err
	}
	return p.publishFromCache(ctx, job, bundle)
}

// publishFromCache replays a cache hit's bundle as this job's own event
// stream and artifact rows: a cache hit still produces a full, if
// compressed, event sequence for the requesting job.
func (p *Pipeline) publishFromCache(ctx context.Context, job *models.Job, bundle cache.Bundle) error {
	for _, ct := range job.RequestedTypes {
		artifact, ok := bundle[ct]
		if !ok {
			continue
		}
		clone := *artifact
		clone.ArtifactID = uuid.New().String()
		clone.JobID = job.JobID
		clone.UserID = job.UserID
		if err := p.store.SaveArtifact(ctx, &clone); err != nil {
			return fmt.Errorf("persisting cached artifact: %w", err)
		}
		p.emitChunks(job.JobID, clone.Content)
		p.bus.Publish(job.JobID, models.EventKindArtifactReady, map[string]any{
			"artifact_type": string(ct),
			"artifact_id":   clone.ArtifactID,
			"from_cache":    true,
		})
	}
	return nil
}

// runStages executes the core blog stages, then fans out the requested
// non-blog repurposing stages up to job.MaxParallelStages at a time.
func (p *Pipeline) runStages(ctx context.Context, job *models.Job) (cache.Bundle, error) {
	bundle := make(cache.Bundle)

	var blogContent string
	for _, stage := range coreStages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.emitProgress(job.JobID, stage.Name, 0)
		stageStart := time.Now()
		text, err := p.gen.Generate(ctx, job.ModelID, stage.Name, buildPrompt(job, stage))
		metrics.StageDuration.WithLabelValues(stage.Name).Observe(time.Since(stageStart).Seconds())
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		blogContent = text
		p.emitProgress(job.JobID, stage.Name, 100)

		if stage.Name == "write" {
			p.bus.Publish(job.JobID, models.EventKindContentPreview, map[string]any{
				"stage":   stage.Name,
				"preview": preview(text),
			})
		}
	}

	blogArtifact := p.newArtifact(job, models.ContentBlog, blogContent)
	if err := p.store.SaveArtifact(ctx, blogArtifact); err != nil {
		return nil, fmt.Errorf("persisting blog artifact: %w", err)
	}
	p.emitChunks(job.JobID, blogContent)
	p.bus.Publish(job.JobID, models.EventKindArtifactReady, map[string]any{
		"artifact_type": string(models.ContentBlog),
		"artifact_id":   blogArtifact.ArtifactID,
	})
	bundle[models.ContentBlog] = blogArtifact

	extra := make([]models.ContentType, 0, len(job.RequestedTypes))
	for _, ct := range job.RequestedTypes {
		if ct != models.ContentBlog {
			extra = append(extra, ct)
		}
	}
	if len(extra) == 0 {
		return bundle, nil
	}

	extraBundle, err := p.runRepurposeStages(ctx, job, blogContent, extra)
	if err != nil {
		return nil, err
	}
	for ct, artifact := range extraBundle {
		bundle[ct] = artifact
	}
	return bundle, nil
}

// runRepurposeStages fans the non-blog content types out across at most
// job.MaxParallelStages goroutines.
func (p *Pipeline) runRepurposeStages(ctx context.Context, job *models.Job, blogContent string, types []models.ContentType) (cache.Bundle, error) {
	limit := job.MaxParallelStages
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
		bundle   = make(cache.Bundle, len(types))
	)

	for _, ct := range types {
		ct := ct
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			stage := repurposeStage(ct)
			p.emitProgress(job.JobID, stage.Name, 0)
			stageStart := time.Now()
			text, err := p.gen.Generate(ctx, job.ModelID, stage.Name, buildRepurposePrompt(blogContent, stage))
			metrics.StageDuration.WithLabelValues(stage.Name).Observe(time.Since(stageStart).Seconds())
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("stage %s: %w", stage.Name, err)
				}
				mu.Unlock()
				return
			}
			p.emitProgress(job.JobID, stage.Name, 100)

			artifact := p.newArtifact(job, ct, text)
			if err := p.store.SaveArtifact(ctx, artifact); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("persisting %s artifact: %w", ct, err)
				}
				mu.Unlock()
				return
			}
			p.emitChunks(job.JobID, text)
			p.bus.Publish(job.JobID, models.EventKindArtifactReady, map[string]any{
				"artifact_type": string(ct),
				"artifact_id":   artifact.ArtifactID,
			})

			mu.Lock()
			bundle[ct] = artifact
			mu.Unlock()
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return bundle, nil
}

func (p *Pipeline) newArtifact(job *models.Job, ct models.ContentType, content string) *models.Artifact {
	a := &models.Artifact{
		ArtifactID:   uuid.New().String(),
		JobID:        job.JobID,
		UserID:       job.UserID,
		ArtifactType: ct,
		Content:      content,
		Fingerprint:  job.Fingerprint,
		CreatedAt:    time.Now(),
	}
	if ct == models.ContentBlog {
		words := len(strings.Fields(content))
		a.QualityMetrics = &models.QualityMetrics{
			WordCount:         words,
			CharCount:         len(content),
			EstimatedReadMins: float64(words) / 200.0,
		}
	}
	return a
}

func (p *Pipeline) emitProgress(jobID, stage string, percent int) {
	p.bus.Publish(jobID, models.EventKindStageProgress, map[string]any{
		"stage":   stage,
		"percent": percent,
	})
}

func (p *Pipeline) emitChunks(jobID, content string) {
	for i := 0; i < len(content); i += chunkSize {
		end := i + chunkSize
		if end > len(content) {
			end = len(content)
		}
		p.bus.Publish(jobID, models.EventKindContentChunk, map[string]any{
			"offset": i,
			"text":   content[i:end],
		})
	}
}

func buildPrompt(job *models.Job, stage Stage) string {
	return fmt.Sprintf("Topic: %s\nStage: %s\n%s", job.Topic, stage.Name, stage.PromptSuffix)
}

func buildRepurposePrompt(blogContent string, stage Stage) string {
	return fmt.Sprintf("%s\n\nSource blog post:\n%s", stage.PromptSuffix, preview(blogContent))
}

func preview(content string) string {
	const maxPreview = 280
	if len(content) <= maxPreview {
		return content
	}
	return content[:maxPreview] + "…"
}
