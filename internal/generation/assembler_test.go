package generation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/backend/internal/retrieval"
)

type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func item(chunkID, docID string, ordinal int, text string, score float64) retrieval.RetrievedItem {
	return retrieval.RetrievedItem{
		ChunkID:    chunkID,
		DocumentID: docID,
		Ordinal:    ordinal,
		Text:       text,
		Score:      score,
	}
}

func TestAssembler_SkipsOversizedAndKeepsScanning(t *testing.T) {
	t.Parallel()

	a := NewAssembler(wordCounter{})

	items := []retrieval.RetrievedItem{
		item("c1", "d1", 0, "one two three four five six", 0.9),
		item("c2", "d2", 0, "this block has six words too", 0.8),
		item("c3", "d3", 0, "short tail here", 0.7),
	}

	assembled := a.Assemble(items, 10)

	// The second item would blow the budget; the smaller third one fits.
	require.Len(t, assembled.Blocks, 2)
	assert.Equal(t, "c1", assembled.Blocks[0].ChunkID)
	assert.Equal(t, "c3", assembled.Blocks[1].ChunkID)
	assert.Equal(t, 9, assembled.TotalTokens)
}

func TestAssembler_StopsNearBudget(t *testing.T) {
	t.Parallel()

	a := NewAssembler(wordCounter{})

	items := []retrieval.RetrievedItem{
		item("c1", "d1", 0, "alpha beta gamma", 0.9),
		item("c2", "d2", 0, "delta epsilon zeta", 0.8),
		item("c3", "d3", 0, "eta theta iota", 0.7),
		item("c4", "d4", 0, "kappa", 0.6),
	}

	assembled := a.Assemble(items, 10)

	// Three blocks reach nine of ten tokens; past ninety percent the scan
	// stops even though one more word would fit.
	require.Len(t, assembled.Blocks, 3)
	assert.Equal(t, 9, assembled.TotalTokens)
}

func TestAssembler_SourceTagsSequential(t *testing.T) {
	t.Parallel()

	a := NewAssembler(wordCounter{})

	items := []retrieval.RetrievedItem{
		item("c1", "d1", 0, "alpha beta", 0.9),
		item("c2", "d2", 0, "gamma delta", 0.8),
	}

	assembled := a.Assemble(items, 100)

	require.Len(t, assembled.Blocks, 2)
	assert.Equal(t, "S1", assembled.Blocks[0].SourceTag)
	assert.Equal(t, "S2", assembled.Blocks[1].SourceTag)

	block, ok := assembled.BlockByTag("S2")
	require.True(t, ok)
	assert.Equal(t, "c2", block.ChunkID)

	_, ok = assembled.BlockByTag("S3")
	assert.False(t, ok)
}

func TestAssembler_DedupesAdjacentOrdinals(t *testing.T) {
	t.Parallel()

	a := NewAssembler(wordCounter{})

	items := []retrieval.RetrievedItem{
		item("d1:2", "d1", 2, "replication lag grows under load", 0.9),
		item("d1:3", "d1", 3, "under load the checkpoint stalls", 0.8),
		item("d1:7", "d1", 7, "an unrelated later section", 0.7),
		item("d2:3", "d2", 3, "same ordinal different document", 0.6),
	}

	assembled := a.Assemble(items, 100)

	require.Len(t, assembled.Blocks, 3)
	assert.Equal(t, "d1:2", assembled.Blocks[0].ChunkID)
	assert.Equal(t, "d1:7", assembled.Blocks[1].ChunkID)
	assert.Equal(t, "d2:3", assembled.Blocks[2].ChunkID)
}

func TestAssembler_EmptyInputs(t *testing.T) {
	t.Parallel()

	a := NewAssembler(wordCounter{})

	assert.Empty(t, a.Assemble(nil, 100).Blocks)
	assert.Empty(t, a.Assemble([]retrieval.RetrievedItem{item("c1", "d1", 0, "text", 0.9)}, 0).Blocks)
}
