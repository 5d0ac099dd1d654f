package generation

import (
	"context"

	"github.com/docuflow/backend/internal/retrieval"
	"github.com/docuflow/backend/internal/storage/models"
)

// Service composes retrieval, context assembly, and generation into the
// per-job flow the orchestrator dispatches.
type Service struct {
	retriever            *retrieval.Retriever
	assembler            *Assembler
	generator            *Generator
	topK                 int
	defaultContextTokens int
}

func NewService(retriever *retrieval.Retriever, assembler *Assembler, generator *Generator, topK, defaultContextTokens int) *Service {
	if topK <= 0 {
		topK = 8
	}
	if defaultContextTokens <= 0 {
		defaultContextTokens = 3072
	}
	return &Service{
		retriever:            retriever,
		assembler:            assembler,
		generator:            generator,
		topK:                 topK,
		defaultContextTokens: defaultContextTokens,
	}
}

// Run executes one generation job end to end. The substituted instruction
// text doubles as the retrieval query, so retrieved context matches what the
// element actually asks for.
func (s *Service) Run(ctx context.Context, job *models.GenerationJob, element *models.Element) (*GenerationOutcome, error) {
	query := substitute(element.InstructionTemplate, job.InputVariables)

	items, err := s.retriever.Retrieve(ctx, job.ProjectID, query, nil, s.topK)
	if err != nil {
		return nil, err
	}

	contextTokens := element.ContextTokens
	if contextTokens <= 0 {
		contextTokens = s.defaultContextTokens
	}

	assembled := s.assembler.Assemble(items, contextTokens)

	return s.generator.Generate(ctx, assembled, element, job.InputVariables)
}
