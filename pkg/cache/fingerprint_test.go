package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/contentforge/jobserver/pkg/models"
)

func TestFingerprintStableAcrossTypeOrder(t *testing.T) {
	a := Fingerprint("golang concurrency", []models.ContentType{models.ContentBlog, models.ContentSocial}, "model-v1", 1)
	b := Fingerprint("golang concurrency", []models.ContentType{models.ContentSocial, models.ContentBlog}, "model-v1", 1)
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersByTopic(t *testing.T) {
	a := Fingerprint("golang concurrency", []models.ContentType{models.ContentBlog}, "model-v1", 1)
	b := Fingerprint("rust concurrency", []models.ContentType{models.ContentBlog}, "model-v1", 1)
	assert.NotEqual(t, a, b)
}

func TestFingerprintDiffersByModel(t *testing.T) {
	a := Fingerprint("golang concurrency", []models.ContentType{models.ContentBlog}, "model-v1", 1)
	b := Fingerprint("golang concurrency", []models.ContentType{models.ContentBlog}, "model-v2", 1)
	assert.NotEqual(t, a, b)
}

func TestFingerprintDiffersByModerationVersion(t *testing.T) {
	a := Fingerprint("golang concurrency", []models.ContentType{models.ContentBlog}, "model-v1", 1)
	b := Fingerprint("golang concurrency", []models.ContentType{models.ContentBlog}, "model-v1", 2)
	assert.NotEqual(t, a, b)
}

func TestFingerprintIsHexSHA256(t *testing.T) {
	fp := Fingerprint("topic", []models.ContentType{models.ContentBlog}, "model-v1", 0)
	assert.Len(t, fp, 64)
}
