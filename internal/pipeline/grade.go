package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/pavelanni/autograder/internal/model"
)

const scoreTolerance = 1e-6

// Grade scores a student's answers against the faculty key. The answers and
// the key must cover exactly the question ids of the structure.
func Grade(ctx context.Context, scorer Scorer, structure []model.QuestionDescriptor, key []model.FacultyKeyEntry, answers []model.StudentAnswerEntry, studentName string, logger *slog.Logger) (model.ReportCard, error) {
	logger = orDefault(logger)

	keyByID := make(map[string]model.FacultyKeyEntry, len(key))
	for _, k := range key {
		keyByID[k.QuestionID] = k
	}
	answerByID := make(map[string]model.StudentAnswerEntry, len(answers))
	for _, a := range answers {
		answerByID[a.QuestionID] = a
	}
	if err := checkIDSets(structure, keyByID, answerByID); err != nil {
		return model.ReportCard{}, err
	}

	items := make([]GradingItem, 0, len(structure))
	for _, q := range structure {
		items = append(items, GradingItem{Question: q, Key: keyByID[q.ID], Answer: answerByID[q.ID]})
	}

	raw, err := scorer.Score(ctx, items)
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return model.ReportCard{}, se
		}
		return model.ReportCard{}, stageErr(StageGrading, KindMalformedResponse, "scorer failed", err)
	}

	card, err := finalizeReport(logger, structure, raw, studentName)
	if err != nil {
		return model.ReportCard{}, err
	}
	logger.Info("grading complete", "stage", StageGrading, "scorer", scorer.Name(), "total_score", card.TotalScore, "max_score", card.MaxScore)
	return card, nil
}

func checkIDSets(structure []model.QuestionDescriptor, key map[string]model.FacultyKeyEntry, answers map[string]model.StudentAnswerEntry) error {
	known := structureIndex(structure)
	var problems, missing []string

	if m := missingIDs(structure, answers); len(m) > 0 {
		problems = append(problems, "answers missing "+strings.Join(m, ", "))
		missing = append(missing, m...)
	}
	if m := missingIDs(structure, key); len(m) > 0 {
		problems = append(problems, "key missing "+strings.Join(m, ", "))
		missing = append(missing, m...)
	}
	if extra := extraIDs(known, answers); len(extra) > 0 {
		problems = append(problems, "answers have unknown "+strings.Join(extra, ", "))
	}
	if extra := extraIDs(known, key); len(extra) > 0 {
		problems = append(problems, "key has unknown "+strings.Join(extra, ", "))
	}
	if len(problems) == 0 {
		return nil
	}
	return &StageError{
		Stage:   StageGrading,
		Kind:    KindGradingMismatch,
		Detail:  strings.Join(problems, "; "),
		Missing: dedupe(missing),
	}
}

func extraIDs[T any](known map[string]model.QuestionDescriptor, got map[string]T) []string {
	var extra []string
	for id := range got {
		if _, ok := known[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	return extra
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// finalizeReport puts a raw report card into structure order and enforces
// mark ranges, maxima and the total.
func finalizeReport(logger *slog.Logger, structure []model.QuestionDescriptor, raw model.ReportCard, studentName string) (model.ReportCard, error) {
	known := structureIndex(structure)
	byID := make(map[string]model.QuestionResult, len(raw.Results))
	var unknown []string
	for _, r := range raw.Results {
		r.QuestionID = strings.TrimSpace(r.QuestionID)
		if _, ok := known[r.QuestionID]; !ok {
			unknown = append(unknown, r.QuestionID)
			continue
		}
		if _, dup := byID[r.QuestionID]; dup {
			logger.Warn("duplicate result for question, keeping the first", "stage", StageGrading, "question_id", r.QuestionID)
			continue
		}
		byID[r.QuestionID] = r
	}
	missing := missingIDs(structure, byID)
	if len(missing) > 0 || len(unknown) > 0 {
		detail := "results do not match the structure"
		if len(unknown) > 0 {
			detail += ": unknown " + strings.Join(unknown, ", ")
		}
		return model.ReportCard{}, &StageError{Stage: StageGrading, Kind: KindGradingMismatch, Detail: detail, Missing: missing}
	}

	card := model.ReportCard{
		StudentName: strings.TrimSpace(studentName),
		Results:     make([]model.QuestionResult, 0, len(structure)),
		MaxScore:    model.TotalMarks(structure),
		Remarks:     strings.TrimSpace(raw.Remarks),
	}
	if card.StudentName == "" {
		card.StudentName = strings.TrimSpace(raw.StudentName)
	}

	for _, q := range structure {
		r := byID[q.ID]
		if math.IsNaN(r.MarksObtained) || math.IsInf(r.MarksObtained, 0) {
			return model.ReportCard{}, stageErr(StageGrading, KindMalformedResponse, "non-finite marks for "+q.ID, nil)
		}
		if r.MaxMarks != 0 && math.Abs(r.MaxMarks-q.MaxMarks) > scoreTolerance {
			logger.Warn("ignoring max_marks from scorer", "stage", StageGrading, "question_id", q.ID, "scorer_max", r.MaxMarks, "max_marks", q.MaxMarks)
		}
		r.MaxMarks = q.MaxMarks
		if r.MarksObtained < 0 || r.MarksObtained > q.MaxMarks {
			clamped := math.Min(math.Max(r.MarksObtained, 0), q.MaxMarks)
			logger.Warn("marks out of range, clamping", "stage", StageGrading, "question_id", q.ID, "marks", r.MarksObtained, "clamped", clamped)
			r.MarksObtained = clamped
		}
		r.Feedback = strings.TrimSpace(r.Feedback)
		card.Results = append(card.Results, r)
		card.TotalScore += r.MarksObtained
	}

	if math.Abs(raw.TotalScore-card.TotalScore) > scoreTolerance {
		logger.Warn("recomputed total differs from scorer total", "stage", StageGrading, "scorer_total", raw.TotalScore, "total_score", card.TotalScore)
	}
	return card, nil
}

// Describe renders a short one-line summary of a report card.
func Describe(card model.ReportCard) string {
	return fmt.Sprintf("%s: %g/%g", card.StudentName, card.TotalScore, card.MaxScore)
}
