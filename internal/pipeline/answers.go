package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/schema"
)

// ExtractAnswers asks the model to transcribe the student's answer for every
// question of the structure.
func ExtractAnswers(ctx context.Context, gen Generator, structure []model.QuestionDescriptor, submission model.Document, logger *slog.Logger) ([]model.StudentAnswerEntry, error) {
	logger = orDefault(logger)

	prompt, err := prompts.BuildAnswersPrompt()
	if err != nil {
		return nil, fmt.Errorf("build answers prompt: %w", err)
	}
	structJSON, err := json.Marshal(structure)
	if err != nil {
		return nil, fmt.Errorf("marshal structure: %w", err)
	}
	raw, err := gen.Generate(ctx, llm.Request{
		Stage:       StageStudentAnswers,
		System:      prompt.System,
		Instruction: prompt.Instruction,
		Context:     structJSON,
		Documents:   []model.Document{submission},
		Shape:       llm.ShapeArray,
	})
	if err != nil {
		return nil, upstreamErr(StageStudentAnswers, err)
	}

	var entries []model.StudentAnswerEntry
	if err := schema.Decode(schema.StudentAnswers, raw, &entries); err != nil {
		return nil, stageErr(StageStudentAnswers, KindMalformedResponse, "response does not match the student answers schema", err)
	}
	for i := range entries {
		entries[i].QuestionID = strings.TrimSpace(entries[i].QuestionID)
	}

	kept := keepFirst(logger, StageStudentAnswers, structure, entries, func(e model.StudentAnswerEntry) string { return e.QuestionID })
	for _, q := range structure {
		if a, ok := kept[q.ID]; ok && !a.Status.Valid() {
			return nil, stageErr(StageStudentAnswers, KindMalformedResponse, fmt.Sprintf("unknown status %q for %s", a.Status, q.ID), nil)
		}
	}
	if missing := missingIDs(structure, kept); len(missing) > 0 {
		return nil, &StageError{
			Stage:   StageStudentAnswers,
			Kind:    KindAnswerCoverage,
			Detail:  "no entry for some questions",
			Missing: missing,
		}
	}

	answers := make([]model.StudentAnswerEntry, 0, len(structure))
	unanswered := 0
	for _, q := range structure {
		a := kept[q.ID]
		if a.Status == model.StatusUnanswered {
			a.ExtractedText = ""
			unanswered++
		}
		answers = append(answers, a)
	}

	logger.Info("student answers extracted", "stage", StageStudentAnswers, "entries", len(answers), "unanswered", unanswered)
	return answers, nil
}
