package ingestion

import (
	"fmt"
	"strings"

	"github.com/jdkato/prose/v2"
)

// TokenCounter abstracts token counting so tests can use a cheap stand-in.
type TokenCounter interface {
	Count(text string) int
}

// Piece is one chunk of a document's text before it is persisted.
type Piece struct {
	Ordinal    int
	Text       string
	TokenCount int
}

// Chunker splits extracted text on sentence boundaries up to a token budget
// per chunk, carrying a fixed token overlap of trailing sentences into the
// next chunk. Output is deterministic: identical input yields identical
// pieces and ordinals.
type Chunker struct {
	maxTokens     int
	overlapTokens int
	minTokens     int
	counter       TokenCounter
}

func NewChunker(maxTokens, overlapTokens, minTokens int, counter TokenCounter) *Chunker {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}
	if overlapTokens >= maxTokens {
		overlapTokens = maxTokens / 4
	}
	return &Chunker{
		maxTokens:     maxTokens,
		overlapTokens: overlapTokens,
		minTokens:     minTokens,
		counter:       counter,
	}
}

func (c *Chunker) Split(text string) ([]Piece, error) {
	sentences, err := c.sentences(text)
	if err != nil {
		return nil, err
	}
	if len(sentences) == 0 {
		return nil, nil
	}

	var pieces []Piece
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.Join(current, " ")
		pieces = append(pieces, Piece{
			Ordinal:    len(pieces),
			Text:       joined,
			TokenCount: c.counter.Count(joined),
		})
	}

	for _, sentence := range sentences {
		tokens := c.counter.Count(sentence)

		if currentTokens+tokens > c.maxTokens && len(current) > 0 {
			flush()
			current, currentTokens = c.carryOverlap(current)
		}

		current = append(current, sentence)
		currentTokens += tokens
	}

	// Tail below the minimum folds into the previous chunk instead of
	// producing a fragment.
	if currentTokens < c.minTokens && len(pieces) > 0 {
		last := &pieces[len(pieces)-1]
		last.Text = last.Text + " " + strings.Join(current, " ")
		last.TokenCount = c.counter.Count(last.Text)
	} else {
		flush()
	}

	return pieces, nil
}

// carryOverlap returns the trailing sentences of the just-flushed chunk
// whose combined token count fits the overlap budget.
func (c *Chunker) carryOverlap(prev []string) ([]string, int) {
	if c.overlapTokens == 0 {
		return nil, 0
	}

	var carried []string
	carriedTokens := 0
	for i := len(prev) - 1; i >= 0; i-- {
		tokens := c.counter.Count(prev[i])
		if carriedTokens+tokens > c.overlapTokens {
			break
		}
		carried = append([]string{prev[i]}, carried...)
		carriedTokens += tokens
	}
	return carried, carriedTokens
}

func (c *Chunker) sentences(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, fmt.Errorf("sentence segmentation failed: %w", err)
	}

	var sentences []string
	for _, s := range doc.Sentences() {
		trimmed := strings.TrimSpace(s.Text)
		if trimmed == "" {
			continue
		}
		// A single sentence above the budget is split on whitespace so no
		// chunk can exceed the token ceiling.
		if c.counter.Count(trimmed) > c.maxTokens {
			sentences = append(sentences, c.splitOversized(trimmed)...)
			continue
		}
		sentences = append(sentences, trimmed)
	}

	return sentences, nil
}

func (c *Chunker) splitOversized(sentence string) []string {
	words := strings.Fields(sentence)
	var parts []string
	var current []string
	currentTokens := 0

	for _, word := range words {
		tokens := c.counter.Count(word)
		if currentTokens+tokens > c.maxTokens && len(current) > 0 {
			parts = append(parts, strings.Join(current, " "))
			current = nil
			currentTokens = 0
		}
		current = append(current, word)
		currentTokens += tokens
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, " "))
	}
	return parts
}
