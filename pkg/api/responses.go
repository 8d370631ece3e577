package api

// GenerateResponse is returned by POST /api/generate: the job has been
// admitted and its stream endpoint is ready to be opened.
type GenerateResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	StreamURL   string `json:"stream_url"`
}

// CancelResponse is returned by POST /api/jobs/:id/cancel.
type CancelResponse struct {
	JobID      string `json:"job_id"`
	Cancelled  bool   `json:"cancelled"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	DBStatus     string `json:"db_status"`
	CircuitOpen  bool   `json:"circuit_open"`
	ActiveJobs   int    `json:"active_jobs"`
	MaxWorkers   int    `json:"max_workers"`
}

// MetaResponse is returned by GET /meta: static, non-secret deployment info
// used by clients to render tier capability tables.
type MetaResponse struct {
	Version string         `json:"version"`
	Tiers   []TierMetaEntry `json:"tiers"`
}

// TierMetaEntry describes one tier's capabilities for client display.
type TierMetaEntry struct {
	Tier              string   `json:"tier"`
	AllowedTypes      []string `json:"allowed_types"`
	MaxParallelStages int      `json:"max_parallel_stages"`
}
