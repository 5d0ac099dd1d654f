package generation

import (
	"fmt"

	"github.com/docuflow/backend/internal/retrieval"
)

// TokenCounter abstracts token counting for budget tracking.
type TokenCounter interface {
	Count(text string) int
}

// ContextBlock is one chunk included in the assembled context, with its
// provenance kept for citation resolution.
type ContextBlock struct {
	SourceTag  string
	ChunkID    string
	DocumentID string
	Ordinal    int
	Text       string
	Tokens     int
	Score      float64
}

// AssembledContext is a token-bounded, relevance-ordered context block.
type AssembledContext struct {
	Blocks      []ContextBlock
	TotalTokens int
	Budget      int
}

// BlockByTag resolves a source tag to its block for citation verification.
func (a *AssembledContext) BlockByTag(tag string) (*ContextBlock, bool) {
	for i := range a.Blocks {
		if a.Blocks[i].SourceTag == tag {
			return &a.Blocks[i], true
		}
	}
	return nil, false
}

// Assembler selects retrieved items into a context block under a token
// budget.
type Assembler struct {
	counter TokenCounter
}

func NewAssembler(counter TokenCounter) *Assembler {
	return &Assembler{counter: counter}
}

// Assemble accepts items greedily in descending relevance order. An item
// that would blow the budget is skipped, not terminal: scanning continues
// for a smaller item that still fits, until cumulative usage passes 90% of
// the budget. Near-identical chunks (same document, adjacent or equal
// ordinals) are deduplicated first, keeping the higher-relevance one.
func (a *Assembler) Assemble(items []retrieval.RetrievedItem, maxTokens int) AssembledContext {
	assembled := AssembledContext{Budget: maxTokens}
	if maxTokens <= 0 || len(items) == 0 {
		return assembled
	}

	deduped := dedupe(items)
	earlyExit := maxTokens * 9 / 10

	for _, item := range deduped {
		if assembled.TotalTokens >= earlyExit {
			break
		}

		tokens := a.counter.Count(item.Text)
		if assembled.TotalTokens+tokens > maxTokens {
			continue
		}

		assembled.Blocks = append(assembled.Blocks, ContextBlock{
			SourceTag:  fmt.Sprintf("S%d", len(assembled.Blocks)+1),
			ChunkID:    item.ChunkID,
			DocumentID: item.DocumentID,
			Ordinal:    item.Ordinal,
			Text:       item.Text,
			Tokens:     tokens,
			Score:      item.Score,
		})
		assembled.TotalTokens += tokens
	}

	return assembled
}

// dedupe drops a chunk when an already-kept chunk of the same document has
// an overlapping ordinal range (distance <= 1; consecutive chunks share
// overlap text by construction). Items arrive sorted by relevance, so the
// first occurrence is the one worth keeping.
func dedupe(items []retrieval.RetrievedItem) []retrieval.RetrievedItem {
	kept := make([]retrieval.RetrievedItem, 0, len(items))

	for _, item := range items {
		duplicate := false
		for _, existing := range kept {
			if existing.DocumentID != item.DocumentID {
				continue
			}
			delta := existing.Ordinal - item.Ordinal
			if delta >= -1 && delta <= 1 {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, item)
		}
	}

	return kept
}
