package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/backend/internal/llm"
	"github.com/docuflow/backend/internal/storage/models"
	"github.com/docuflow/backend/pkg/errs"
)

type fakeCompletion struct {
	content string
	err     error
	calls   int
	gotReq  llm.CompletionRequest
}

func (f *fakeCompletion) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{
		Content: f.content,
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func testBlocks() []ContextBlock {
	return []ContextBlock{
		{SourceTag: "S1", ChunkID: "d1:0", DocumentID: "d1", Ordinal: 0, Text: "replication lag grows under load", Tokens: 5, Score: 0.9},
		{SourceTag: "S2", ChunkID: "d2:1", DocumentID: "d2", Ordinal: 1, Text: "checkpoints stall when disks saturate", Tokens: 5, Score: 0.8},
	}
}

func testElement() *models.Element {
	return &models.Element{
		ID:                  "el-1",
		ProjectID:           "proj-1",
		Name:                "summary",
		InstructionTemplate: "Summarize findings about {{topic}}.",
		MaxTokens:           256,
	}
}

func newTestGenerator(client CompletionClient) *Generator {
	return NewGenerator(client, wordCounter{}, Config{
		PromptTokenCeiling:  100,
		PromptCostPer1K:     0.01,
		CompletionCostPer1K: 0.03,
	})
}

func TestGenerator_SubstitutesVariables(t *testing.T) {
	t.Parallel()

	client := &fakeCompletion{content: "Lag grows under load [S1]."}
	g := newTestGenerator(client)

	assembled := AssembledContext{Blocks: testBlocks()}
	_, err := g.Generate(context.Background(), assembled, testElement(), map[string]string{"topic": "replication"})
	require.NoError(t, err)

	assert.Contains(t, client.gotReq.UserPrompt, "Summarize findings about replication.")
	assert.NotContains(t, client.gotReq.UserPrompt, "{{topic}}")
	assert.Contains(t, client.gotReq.UserPrompt, "[S1] replication lag grows under load")
}

func TestGenerator_SingleCompletionAttempt(t *testing.T) {
	t.Parallel()

	client := &fakeCompletion{err: errs.Transient(errs.StageGenerate, errors.New("rate limited"))}
	g := newTestGenerator(client)

	_, err := g.Generate(context.Background(), AssembledContext{Blocks: testBlocks()}, testElement(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransientProvider))
	assert.Equal(t, 1, client.calls)
}

func TestGenerator_ResolvesCitations(t *testing.T) {
	t.Parallel()

	client := &fakeCompletion{content: "Lag grows under load [S1]. Disks saturate during checkpoints [S2]."}
	g := newTestGenerator(client)

	outcome, err := g.Generate(context.Background(), AssembledContext{Blocks: testBlocks()}, testElement(), nil)
	require.NoError(t, err)

	require.Len(t, outcome.Citations, 2)
	assert.Equal(t, "d1:0", outcome.Citations[0].ChunkID)
	assert.Equal(t, "d1", outcome.Citations[0].DocumentID)
	assert.Equal(t, "Lag grows under load", outcome.Citations[0].ClaimSpan)
	assert.InDelta(t, 0.9, outcome.Citations[0].Confidence, 1e-9)
	assert.Equal(t, "d2:1", outcome.Citations[1].ChunkID)
}

func TestGenerator_DropsUnresolvableMarkers(t *testing.T) {
	t.Parallel()

	client := &fakeCompletion{content: "A real claim [S1]. A fabricated one [S9]."}
	g := newTestGenerator(client)

	outcome, err := g.Generate(context.Background(), AssembledContext{Blocks: testBlocks()}, testElement(), nil)
	require.NoError(t, err)

	require.Len(t, outcome.Citations, 1)
	assert.Equal(t, "d1:0", outcome.Citations[0].ChunkID)
}

func TestGenerator_NoMarkersNoCitations(t *testing.T) {
	t.Parallel()

	client := &fakeCompletion{content: "An answer without any markers at all."}
	g := newTestGenerator(client)

	outcome, err := g.Generate(context.Background(), AssembledContext{Blocks: testBlocks()}, testElement(), nil)
	require.NoError(t, err)
	assert.Empty(t, outcome.Citations)
}

func TestGenerator_InstructionsExceedCeiling(t *testing.T) {
	t.Parallel()

	client := &fakeCompletion{content: "never reached"}
	g := newTestGenerator(client)

	element := testElement()
	element.InstructionTemplate = strings.Repeat("word ", 200)

	_, err := g.Generate(context.Background(), AssembledContext{Blocks: testBlocks()}, element, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCapacity))
	assert.Equal(t, errs.StageGenerate, errs.StageOf(err))
	assert.Equal(t, 0, client.calls)
}

func TestGenerator_DropsBlocksOverCeiling(t *testing.T) {
	t.Parallel()

	client := &fakeCompletion{content: "answer [S1]"}
	g := NewGenerator(client, wordCounter{}, Config{PromptTokenCeiling: 70})

	blocks := []ContextBlock{
		{SourceTag: "S1", ChunkID: "d1:0", DocumentID: "d1", Text: "kept block", Tokens: 2, Score: 0.9},
		{SourceTag: "S2", ChunkID: "d2:0", DocumentID: "d2", Text: strings.Repeat("filler ", 80), Tokens: 80, Score: 0.8},
	}

	_, err := g.Generate(context.Background(), AssembledContext{Blocks: blocks}, testElement(), nil)
	require.NoError(t, err)

	assert.Contains(t, client.gotReq.UserPrompt, "kept block")
	assert.NotContains(t, client.gotReq.UserPrompt, "filler")
}

func TestGenerator_CostAccounting(t *testing.T) {
	t.Parallel()

	client := &fakeCompletion{content: "answer"}
	g := newTestGenerator(client)

	outcome, err := g.Generate(context.Background(), AssembledContext{Blocks: testBlocks()}, testElement(), nil)
	require.NoError(t, err)

	assert.Equal(t, 100, outcome.PromptTokens)
	assert.Equal(t, 50, outcome.CompletionTokens)
	assert.InDelta(t, 0.0025, outcome.CostUSD, 1e-9)
}

func TestGenerator_DedupesRepeatedCitations(t *testing.T) {
	t.Parallel()

	client := &fakeCompletion{content: "Lag grows [S1] [S1]."}
	g := newTestGenerator(client)

	outcome, err := g.Generate(context.Background(), AssembledContext{Blocks: testBlocks()}, testElement(), nil)
	require.NoError(t, err)
	assert.Len(t, outcome.Citations, 1)
}
