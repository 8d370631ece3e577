// Package models holds the shared domain types for the job server: the
// principal, the tier definition, jobs, events, and artifacts described in
// the content-generation data model.
package models

import (
	"encoding/json"
	"time"
)

// Tier is the commercial class assigned to a principal.
type Tier string

// Recognized tiers, ordered from least to most capable.
const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ContentType is one of the kinds of artifact the pipeline can produce.
type ContentType string

// Recognized content types.
const (
	ContentBlog   ContentType = "blog"
	ContentSocial ContentType = "social"
	ContentAudio  ContentType = "audio"
	ContentVideo  ContentType = "video"
)

// Principal is the verified identity attached to a request. Immutable
// within a request — the resolver never mutates a Principal after
// resolution.
type Principal struct {
	UserID        string
	Tier          Tier
	EmailVerified bool
	IsAdmin       bool
}

// TierDefinition is the config-driven capability set for a tier, loaded
// once at startup. It carries no version field.
type TierDefinition struct {
	Tier              Tier                `yaml:"tier" json:"tier"`
	AllowedTypes      []ContentType       `yaml:"allowed_types" json:"allowed_types"`
	MonthlyQuota      map[ContentType]int `yaml:"monthly_quota" json:"monthly_quota"`
	ModelID           string              `yaml:"model_id" json:"model_id"`
	MaxParallelStages int                 `yaml:"max_parallel_stages" json:"max_parallel_stages"`
	CacheTTLSeconds   int                 `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
}

// AllowsType reports whether the tier definition permits the given content type.
func (t TierDefinition) AllowsType(ct ContentType) bool {
	for _, allowed := range t.AllowedTypes {
		if allowed == ct {
			return true
		}
	}
	return false
}

// CacheTTL returns the tier's cache TTL as a time.Duration.
func (t TierDefinition) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLSeconds) * time.Second
}

// JobStatus is one of the states in the job FSM.
type JobStatus string

// Job FSM states.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is one the FSM treats as final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// EventKind is one of the well-known push-stream event kinds.
type EventKind string

// Event kinds.
const (
	EventKindStatus          EventKind = "status"
	EventKindJobStarted      EventKind = "job_started"
	EventKindStageProgress   EventKind = "stage_progress"
	EventKindContentPreview  EventKind = "content_preview"
	EventKindContentChunk    EventKind = "content_chunk"
	EventKindArtifactReady   EventKind = "artifact_ready"
	EventKindComplete        EventKind = "complete"
	EventKindCancelled       EventKind = "cancelled"
	EventKindError           EventKind = "error"
	EventKindKeepAlive       EventKind = "keep_alive"
)

// Terminal reports whether the event kind closes a job's event stream.
func (k EventKind) Terminal() bool {
	switch k {
	case EventKindComplete, EventKindCancelled, EventKindError:
		return true
	default:
		return false
	}
}

// Event is a single unit in a job's push stream.
type Event struct {
	JobID     string
	EventID   int
	Kind      EventKind
	Payload   map[string]any
	CreatedAt time.Time
}

// MarshalJSON flattens the event into the wire shape used by the SSE push
// stream: event_id and kind alongside the kind-specific payload fields.
// JobID and CreatedAt are server-internal and never sent.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["event_id"] = e.EventID
	out["kind"] = e.Kind
	return json.Marshal(out)
}

// QualityMetrics holds blog-only quality measurements.
type QualityMetrics struct {
	WordCount          int     `json:"word_count"`
	CharCount          int     `json:"char_count"`
	EstimatedReadMins  float64 `json:"estimated_read_minutes"`
}

// Artifact is a durable output bundle produced by the pipeline.
type Artifact struct {
	ArtifactID     string
	JobID          string
	UserID         string
	ArtifactType   ContentType
	Content        string
	AssetURI       string
	Fingerprint    string
	QualityMetrics *QualityMetrics
	CreatedAt      time.Time
}

// Job is a single content-generation request tracked through the FSM
// described above.
type Job struct {
	JobID             string
	UserID            string
	Tier              Tier
	Topic             string
	NormalizedTopic   string
	RequestedTypes    []ContentType
	ModelID           string
	MaxParallelStages int
	Fingerprint       string
	Status            JobStatus
	CancelRequested   bool
	PodID             string
	CreatedAt         time.Time
	StartedAt         time.Time
	FinishedAt        time.Time
	LastHeartbeat     time.Time
	ErrorKind         ErrorKind
	ErrorMessage      string
}

// DenialReason is one of the recognized admission-denial kinds.
type DenialReason string

// Recognized denial reasons.
const (
	DenyTypeNotAllowed DenialReason = "TypeNotAllowedForTier"
	DenyEmptyTopic     DenialReason = "EmptyTopic"
	DenyEmptyTypes     DenialReason = "EmptyTypes"
	DenyQuotaExceeded  DenialReason = "QuotaExceeded"
)

// ErrorKind is one of the recognized client-facing error kinds.
type ErrorKind string

// Recognized error kinds.
const (
	ErrKindUnauthorized     ErrorKind = "Unauthorized"
	ErrKindInvalidToken     ErrorKind = "InvalidToken"
	ErrKindExpired          ErrorKind = "Expired"
	ErrKindTypeNotAllowed   ErrorKind = "TypeNotAllowedForTier"
	ErrKindEmptyTopic       ErrorKind = "EmptyTopic"
	ErrKindEmptyTypes       ErrorKind = "EmptyTypes"
	ErrKindTooManyInFlight  ErrorKind = "TooManyInFlight"
	ErrKindStageTimeout     ErrorKind = "StageTimeout"
	ErrKindPipelineError    ErrorKind = "PipelineError"
	ErrKindPoolUnavailable  ErrorKind = "PoolUnavailable"
	ErrKindValidationFailed ErrorKind = "ValidationFailed"
	ErrKindCancelled        ErrorKind = "Cancelled"
)
