package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/contentforge/jobserver/pkg/models"
)

// SaveArtifact persists a single generated artifact. Quality metrics are
// only present for blog artifacts.
func (s *Store) SaveArtifact(ctx context.Context, artifact *models.Artifact) error {
	var wordCount, charCount sql.NullInt64
	var readMins sql.NullFloat64
	if artifact.QualityMetrics != nil {
		wordCount = sql.NullInt64{Int64: int64(artifact.QualityMetrics.WordCount), Valid: true}
		charCount = sql.NullInt64{Int64: int64(artifact.QualityMetrics.CharCount), Valid: true}
		readMins = sql.NullFloat64{Float64: artifact.QualityMetrics.EstimatedReadMins, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, job_id, user_id, artifact_type, content, asset_uri,
		                        fingerprint, word_count, char_count, est_read_mins, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, now())`,
		artifact.ArtifactID, artifact.JobID, artifact.UserID, string(artifact.ArtifactType),
		artifact.Content, artifact.AssetURI, artifact.Fingerprint, wordCount, charCount, readMins,
	)
	if err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}
	return nil
}

// ArtifactsForJob returns every artifact produced by jobID, used by the
// REST fallback for clients that missed the push stream.
func (s *Store) ArtifactsForJob(ctx context.Context, jobID string) ([]*models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, job_id, user_id, artifact_type, content, coalesce(asset_uri, ''),
		       fingerprint, word_count, char_count, est_read_mins, created_at
		FROM artifacts WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var out []*models.Artifact
	for rows.Next() {
		var (
			a          models.Artifact
			ct         string
			wordCount  sql.NullInt64
			charCount  sql.NullInt64
			readMins   sql.NullFloat64
		)
		if err := rows.Scan(&a.ArtifactID, &a.JobID, &a.UserID, &ct, &a.Content, &a.AssetURI,
			&a.Fingerprint, &wordCount, &charCount, &readMins, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		a.ArtifactType = models.ContentType(ct)
		if wordCount.Valid {
			a.QualityMetrics = &models.QualityMetrics{
				WordCount:         int(wordCount.Int64),
				CharCount:         int(charCount.Int64),
				EstimatedReadMins: readMins.Float64,
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
