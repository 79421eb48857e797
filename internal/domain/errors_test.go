package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	err := Conflictf("task %q already queued", "job-1")
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), `task "job-1" already queued`)

	assert.True(t, IsNotFound(NotFoundf("schedule id=%d", 7)))
	assert.True(t, IsConfig(Configf("unknown timezone %q", "Mars")))
}

func TestCollect(t *testing.T) {
	assert.NoError(t, Collect(nil))

	one := errors.New("only")
	assert.Equal(t, one, Collect([]error{one}))

	two := errors.New("second")
	err := Collect([]error{one, two})
	var batch *BatchError
	require.True(t, errors.As(err, &batch))
	assert.Equal(t, one, batch.First)
	assert.Equal(t, []error{two}, batch.Suppressed)
	assert.Contains(t, err.Error(), "1 more failure")

	// Unwrap exposes the representative failure.
	wrapped := Collect([]error{Conflictf("claimed"), two})
	assert.True(t, IsConflict(wrapped))
}
