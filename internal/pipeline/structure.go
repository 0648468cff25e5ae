package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/schema"
)

// ExtractStructure asks the model for the ordered list of questions on a
// question paper.
func ExtractStructure(ctx context.Context, gen Generator, paper model.Document, logger *slog.Logger) ([]model.QuestionDescriptor, error) {
	logger = orDefault(logger)

	prompt, err := prompts.BuildStructurePrompt()
	if err != nil {
		return nil, fmt.Errorf("build structure prompt: %w", err)
	}
	raw, err := gen.Generate(ctx, llm.Request{
		Stage:       StageStructure,
		System:      prompt.System,
		Instruction: prompt.Instruction,
		Documents:   []model.Document{paper},
		Shape:       llm.ShapeArray,
	})
	if err != nil {
		return nil, upstreamErr(StageStructure, err)
	}

	var questions []model.QuestionDescriptor
	if err := schema.Decode(schema.Structure, raw, &questions); err != nil {
		return nil, stageErr(StageStructure, KindMalformedStructure, "response does not match the structure schema", err)
	}
	if len(questions) == 0 {
		return nil, stageErr(StageStructure, KindEmptyStructure, "no questions found on the paper", nil)
	}

	seen := make(map[string]bool, len(questions))
	for i := range questions {
		q := &questions[i]
		q.ID = strings.TrimSpace(q.ID)
		if q.ID == "" {
			return nil, stageErr(StageStructure, KindMalformedStructure, fmt.Sprintf("question %d has an empty id", i+1), nil)
		}
		if seen[q.ID] {
			return nil, stageErr(StageStructure, KindMalformedStructure, "duplicate question id "+q.ID, nil)
		}
		seen[q.ID] = true
		if q.MaxMarks < 0 {
			return nil, stageErr(StageStructure, KindMalformedStructure, "negative max_marks for "+q.ID, nil)
		}
		if q.SubParts == nil {
			q.SubParts = []string{}
		}
	}

	logger.Info("structure extracted", "stage", StageStructure, "questions", len(questions), "total_marks", model.TotalMarks(questions))
	return questions, nil
}
