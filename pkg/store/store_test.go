package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthReportsHealthyWhenPingSucceeds(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectPing()

	s.connector = NewConnector("postgres://unused/test", s.db)

	health := s.Health(context.Background())
	assert.Equal(t, "healthy", health.Status)
	assert.False(t, health.CircuitOpen)
}

func TestHealthReportsUnhealthyWhenPingFails(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(assertableDBErr{"connection refused"})

	s.connector = NewConnector("postgres://unused/test", s.db)

	health := s.Health(context.Background())
	assert.Equal(t, "unhealthy", health.Status)
}

type assertableDBErr struct{ msg string }

func (e assertableDBErr) Error() string { return e.msg }
