// Package pipeline runs the four grading stages: structure extraction,
// faculty key building, student answer extraction and grading.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/model"
)

// Stage names, used in errors, logs, metrics and model requests.
const (
	StageStructure      = "structure"
	StageFacultyKey     = "faculty_key"
	StageStudentAnswers = "student_answers"
	StageGrading        = "grading"
)

// Generator sends a request to a remote model. *llm.Client implements it.
type Generator interface {
	ModelName() string
	Generate(ctx context.Context, req llm.Request) (string, error)
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// structureIndex maps each question id to its descriptor.
func structureIndex(structure []model.QuestionDescriptor) map[string]model.QuestionDescriptor {
	idx := make(map[string]model.QuestionDescriptor, len(structure))
	for _, q := range structure {
		idx[q.ID] = q
	}
	return idx
}

// keepFirst indexes entries by question id. Entries for ids outside the
// structure are dropped, and for duplicated ids the first occurrence wins.
// Both cases are logged as warnings.
func keepFirst[T any](logger *slog.Logger, stage string, structure []model.QuestionDescriptor, entries []T, id func(T) string) map[string]T {
	known := structureIndex(structure)
	kept := make(map[string]T, len(entries))
	for _, e := range entries {
		qid := id(e)
		if _, ok := known[qid]; !ok {
			logger.Warn("dropping entry for unknown question", "stage", stage, "question_id", qid)
			continue
		}
		if _, dup := kept[qid]; dup {
			logger.Warn("duplicate entry for question, keeping the first", "stage", stage, "question_id", qid)
			continue
		}
		kept[qid] = e
	}
	return kept
}

// missingIDs returns structure ids absent from kept, in structure order.
func missingIDs[T any](structure []model.QuestionDescriptor, kept map[string]T) []string {
	var missing []string
	for _, q := range structure {
		if _, ok := kept[q.ID]; !ok {
			missing = append(missing, q.ID)
		}
	}
	return missing
}
