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

const (
	minKeywords = 3
	maxKeywords = 5
)

// BuildKey asks the model for a model answer per question of the structure,
// using the faculty solution document.
func BuildKey(ctx context.Context, gen Generator, structure []model.QuestionDescriptor, solution model.Document, logger *slog.Logger) ([]model.FacultyKeyEntry, error) {
	logger = orDefault(logger)

	prompt, err := prompts.BuildKeyPrompt()
	if err != nil {
		return nil, fmt.Errorf("build key prompt: %w", err)
	}
	structJSON, err := json.Marshal(structure)
	if err != nil {
		return nil, fmt.Errorf("marshal structure: %w", err)
	}
	raw, err := gen.Generate(ctx, llm.Request{
		Stage:       StageFacultyKey,
		System:      prompt.System,
		Instruction: prompt.Instruction,
		Context:     structJSON,
		Documents:   []model.Document{solution},
		Shape:       llm.ShapeArray,
	})
	if err != nil {
		return nil, upstreamErr(StageFacultyKey, err)
	}

	var entries []model.FacultyKeyEntry
	if err := schema.Decode(schema.FacultyKey, raw, &entries); err != nil {
		return nil, stageErr(StageFacultyKey, KindMalformedResponse, "response does not match the faculty key schema", err)
	}
	for i := range entries {
		entries[i].QuestionID = strings.TrimSpace(entries[i].QuestionID)
	}

	kept := keepFirst(logger, StageFacultyKey, structure, entries, func(e model.FacultyKeyEntry) string { return e.QuestionID })
	if missing := uncoveredIDs(structure, kept); len(missing) > 0 {
		return nil, &StageError{
			Stage:   StageFacultyKey,
			Kind:    KindKeyCoverage,
			Detail:  "no model answer for some questions",
			Missing: missing,
		}
	}

	key := make([]model.FacultyKeyEntry, 0, len(structure))
	for _, q := range structure {
		key = append(key, normalizeKeyEntry(logger, kept[q.ID]))
	}

	logger.Info("faculty key built", "stage", StageFacultyKey, "entries", len(key))
	return key, nil
}

// uncoveredIDs returns structure ids with no entry or a blank model answer,
// in structure order.
func uncoveredIDs(structure []model.QuestionDescriptor, kept map[string]model.FacultyKeyEntry) []string {
	var missing []string
	for _, q := range structure {
		e, ok := kept[q.ID]
		if !ok || strings.TrimSpace(e.ModelAnswer) == "" {
			missing = append(missing, q.ID)
		}
	}
	return missing
}

func normalizeKeyEntry(logger *slog.Logger, e model.FacultyKeyEntry) model.FacultyKeyEntry {
	keywords := make([]string, 0, len(e.Keywords))
	for _, k := range e.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	e.Keywords = keywords
	if n := len(keywords); n < minKeywords || n > maxKeywords {
		logger.Warn("unexpected keyword count", "stage", StageFacultyKey, "question_id", e.QuestionID, "keywords", n)
	}

	if desc, ok := model.ParseDiagramMarker(e.ModelAnswer); ok {
		e.DiagramRequired = true
		if strings.TrimSpace(e.DiagramDescription) == "" {
			e.DiagramDescription = desc
		}
	}
	e.DiagramDescription = strings.TrimSpace(e.DiagramDescription)
	if !e.DiagramRequired {
		e.DiagramDescription = ""
	}
	return e
}
