package ingestion

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordCounter counts whitespace-separated words, which keeps expected token
// arithmetic readable in tests.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func sampleText(sentences int) string {
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		b.WriteString(fmt.Sprintf("Sentence number %d talks about configuring the ingestion service. ", i))
	}
	return b.String()
}

func TestChunker_Deterministic(t *testing.T) {
	t.Parallel()

	chunker := NewChunker(20, 5, 3, wordCounter{})
	text := sampleText(12)

	first, err := chunker.Split(text)
	require.NoError(t, err)
	second, err := chunker.Split(text)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestChunker_OrdinalsContiguous(t *testing.T) {
	t.Parallel()

	chunker := NewChunker(20, 5, 3, wordCounter{})

	pieces, err := chunker.Split(sampleText(15))
	require.NoError(t, err)
	require.NotEmpty(t, pieces)

	for i, piece := range pieces {
		assert.Equal(t, i, piece.Ordinal)
		assert.NotEmpty(t, piece.Text)
	}
}

func TestChunker_RespectsTokenBudget(t *testing.T) {
	t.Parallel()

	maxTokens := 20
	chunker := NewChunker(maxTokens, 5, 3, wordCounter{})

	pieces, err := chunker.Split(sampleText(20))
	require.NoError(t, err)
	require.Greater(t, len(pieces), 1)

	counter := wordCounter{}
	// The last chunk may absorb a small tail, everything else stays under
	// budget.
	for _, piece := range pieces[:len(pieces)-1] {
		assert.LessOrEqual(t, counter.Count(piece.Text), maxTokens,
			"chunk %d exceeds budget: %q", piece.Ordinal, piece.Text)
	}
}

func TestChunker_OverlapCarriedForward(t *testing.T) {
	t.Parallel()

	chunker := NewChunker(20, 9, 3, wordCounter{})

	pieces, err := chunker.Split(sampleText(12))
	require.NoError(t, err)
	require.Greater(t, len(pieces), 1)

	// Each chunk after the first starts with the trailing sentence of its
	// predecessor.
	for i := 1; i < len(pieces); i++ {
		prevSentences := strings.Split(pieces[i-1].Text, ". ")
		lastSentence := prevSentences[len(prevSentences)-1]
		lastSentence = strings.TrimSuffix(strings.TrimSpace(lastSentence), ".")
		if lastSentence == "" {
			continue
		}
		assert.Contains(t, pieces[i].Text, lastSentence,
			"chunk %d does not carry overlap from chunk %d", i, i-1)
	}
}

func TestChunker_TinyTailFoldsIntoPrevious(t *testing.T) {
	t.Parallel()

	chunker := NewChunker(9, 0, 4, wordCounter{})

	// Two full sentences of 8 words then a 2-word fragment.
	text := "One two three four five six seven eight. Alpha beta gamma delta epsilon zeta eta theta. Short tail."

	pieces, err := chunker.Split(text)
	require.NoError(t, err)
	require.Len(t, pieces, 2)

	last := pieces[len(pieces)-1]
	assert.Contains(t, last.Text, "Short tail")
	assert.GreaterOrEqual(t, last.TokenCount, 4)
}

func TestChunker_EmptyInput(t *testing.T) {
	t.Parallel()

	chunker := NewChunker(20, 5, 3, wordCounter{})

	pieces, err := chunker.Split("   ")
	require.NoError(t, err)
	assert.Empty(t, pieces)
}

func TestChunker_OversizedSentenceSplit(t *testing.T) {
	t.Parallel()

	maxTokens := 10
	chunker := NewChunker(maxTokens, 0, 1, wordCounter{})

	words := make([]string, 35)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i)
	}
	text := strings.Join(words, " ") + "."

	pieces, err := chunker.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(pieces), 1)

	counter := wordCounter{}
	for _, piece := range pieces {
		assert.LessOrEqual(t, counter.Count(piece.Text), maxTokens)
	}
}
