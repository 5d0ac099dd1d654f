package generation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/docuflow/backend/internal/llm"
	"github.com/docuflow/backend/internal/metrics"
	"github.com/docuflow/backend/internal/storage/models"
	"github.com/docuflow/backend/pkg/errs"
	"github.com/docuflow/backend/pkg/logger"
)

const systemPrompt = `You are a document analysis assistant. Answer using ONLY the numbered context sources provided.

Rules:
1. Base every claim on the context; acknowledge when the context is insufficient.
2. Cite sources inline using [S1], [S2], ... notation matching the context block numbers.
3. Never cite a source number that does not appear in the context.
4. Be concise and specific.`

var citationMarker = regexp.MustCompile(`\[(S\d+)\]`)

// CompletionClient is the language-model capability. One call per Generate;
// retries are the orchestrator's responsibility.
type CompletionClient interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// GenerationOutcome carries the output text, citations resolved against the
// assembled context, and token/cost accounting.
type GenerationOutcome struct {
	OutputText       string
	Citations        []models.Citation
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

type Config struct {
	PromptTokenCeiling  int
	PromptCostPer1K     float64
	CompletionCostPer1K float64
}

// Generator builds the final prompt from an assembled context and an
// element's instruction template, invokes the model once, and extracts
// citations.
type Generator struct {
	client  CompletionClient
	counter TokenCounter
	cfg     Config
}

func NewGenerator(client CompletionClient, counter TokenCounter, cfg Config) *Generator {
	if cfg.PromptTokenCeiling <= 0 {
		cfg.PromptTokenCeiling = 6144
	}
	return &Generator{client: client, counter: counter, cfg: cfg}
}

func (g *Generator) Generate(ctx context.Context, assembled AssembledContext, element *models.Element, variables map[string]string) (*GenerationOutcome, error) {
	instructions := substitute(element.InstructionTemplate, variables)

	blocks, err := g.fitToCeiling(instructions, assembled.Blocks)
	if err != nil {
		return nil, err
	}

	userPrompt := buildPrompt(instructions, blocks)

	resp, err := g.client.Complete(ctx, llm.CompletionRequest{
		Model:        element.Model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  element.Temperature,
		MaxTokens:    element.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	citations := extractCitations(resp.Content, blocks)

	cost := float64(resp.Usage.PromptTokens)/1000*g.cfg.PromptCostPer1K +
		float64(resp.Usage.CompletionTokens)/1000*g.cfg.CompletionCostPer1K

	metrics.TokensUsed.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.TokensUsed.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))
	metrics.GenerationCost.Add(cost)

	logger.Debug("Generation completed",
		zap.String("element_id", element.ID),
		zap.Int("context_blocks", len(blocks)),
		zap.Int("citations", len(citations)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	return &GenerationOutcome{
		OutputText:       resp.Content,
		Citations:        citations,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          cost,
	}, nil
}

// fitToCeiling enforces the hard prompt-token ceiling by dropping context
// blocks from the bottom. Instructions are never truncated; when they alone
// exceed the ceiling the call is a capacity failure and the caller must
// re-assemble with a smaller budget.
func (g *Generator) fitToCeiling(instructions string, blocks []ContextBlock) ([]ContextBlock, error) {
	base := g.counter.Count(systemPrompt) + g.counter.Count(instructions)
	if base > g.cfg.PromptTokenCeiling {
		return nil, errs.Capacity(errs.StageGenerate,
			fmt.Errorf("instructions use %d tokens, ceiling is %d", base, g.cfg.PromptTokenCeiling))
	}

	total := base
	kept := make([]ContextBlock, 0, len(blocks))
	truncated := 0
	for _, block := range blocks {
		if total+block.Tokens > g.cfg.PromptTokenCeiling {
			truncated++
			continue
		}
		kept = append(kept, block)
		total += block.Tokens
	}

	if truncated > 0 {
		logger.Warn("Context truncated to fit prompt ceiling",
			zap.Int("dropped_blocks", truncated),
			zap.Int("ceiling", g.cfg.PromptTokenCeiling),
		)
	}
	return kept, nil
}

func substitute(template string, variables map[string]string) string {
	result := template
	for name, value := range variables {
		result = strings.ReplaceAll(result, "{{"+name+"}}", value)
	}
	return result
}

func buildPrompt(instructions string, blocks []ContextBlock) string {
	var builder strings.Builder
	builder.WriteString(instructions)

	if len(blocks) > 0 {
		builder.WriteString("\n\nContext:\n")
		for _, block := range blocks {
			builder.WriteString(fmt.Sprintf("\n[%s] %s\n", block.SourceTag, block.Text))
		}
	}

	return builder.String()
}

// extractCitations resolves [S#] markers in the model output against the
// context blocks actually sent. A marker that does not resolve to a block in
// the assembled context is dropped, never fabricated.
func extractCitations(output string, blocks []ContextBlock) []models.Citation {
	byTag := make(map[string]*ContextBlock, len(blocks))
	for i := range blocks {
		byTag[blocks[i].SourceTag] = &blocks[i]
	}

	var citations []models.Citation
	seen := make(map[string]bool)

	for _, match := range citationMarker.FindAllStringSubmatchIndex(output, -1) {
		tag := output[match[2]:match[3]]

		block, ok := byTag[tag]
		if !ok {
			logger.Debug("Dropping unresolvable citation marker", zap.String("tag", tag))
			continue
		}

		span := claimSpan(output, match[0])
		key := tag + "|" + span
		if seen[key] {
			continue
		}
		seen[key] = true

		citations = append(citations, models.Citation{
			ClaimSpan:  span,
			ChunkID:    block.ChunkID,
			DocumentID: block.DocumentID,
			Confidence: block.Score,
		})
	}

	return citations
}

// claimSpan returns the sentence fragment preceding a citation marker.
func claimSpan(output string, markerStart int) string {
	start := markerStart
	for start > 0 {
		c := output[start-1]
		if c == '.' || c == '!' || c == '?' || c == '\n' {
			break
		}
		start--
	}
	return strings.TrimSpace(output[start:markerStart])
}
