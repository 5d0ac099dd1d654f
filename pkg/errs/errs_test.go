package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageError_Classification(t *testing.T) {
	t.Parallel()

	err := Transient(StageEmbed, errors.New("connection reset"))

	assert.True(t, errors.Is(err, ErrTransientProvider))
	assert.False(t, errors.Is(err, ErrContent))
	assert.Equal(t, StageEmbed, StageOf(err))
	assert.True(t, IsTransient(err))
}

func TestStageOf_SurvivesWrapping(t *testing.T) {
	t.Parallel()

	inner := Capacity(StageGenerate, errors.New("too many tokens"))
	wrapped := fmt.Errorf("job failed: %w", inner)

	assert.Equal(t, StageGenerate, StageOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrCapacity))
}

func TestStageOf_PlainError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Stage(""), StageOf(errors.New("plain")))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestValidation_FormatsMessage(t *testing.T) {
	t.Parallel()

	err := Validation("topK must be positive, got %d", -1)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "topK must be positive, got -1")
}

func TestDistinctStagesDistinguishable(t *testing.T) {
	t.Parallel()

	embedTimeout := Transient(StageEmbed, errors.New("deadline exceeded"))
	indexTimeout := Transient(StageIndex, errors.New("deadline exceeded"))

	assert.NotEqual(t, StageOf(embedTimeout), StageOf(indexTimeout))
}
