package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/schema"
)

// GradingItem aligns one question with its model answer and the student's answer.
type GradingItem struct {
	Question model.QuestionDescriptor
	Key      model.FacultyKeyEntry
	Answer   model.StudentAnswerEntry
}

// Scorer turns aligned grading items into a raw report card. Grade enforces
// ordering, ranges and totals on whatever a scorer returns.
type Scorer interface {
	Name() string
	Score(ctx context.Context, items []GradingItem) (model.ReportCard, error)
}

// PolicyKeyword selects the local keyword scorer.
const PolicyKeyword = "keyword"

// NewScorer returns the scorer for a grading policy: one of the prompt
// variants (strict, standard, lenient) or "keyword".
func NewScorer(policy string, gen Generator) (Scorer, error) {
	switch {
	case policy == PolicyKeyword:
		return KeywordScorer{}, nil
	case prompts.IsValidVariant(policy):
		if gen == nil {
			return nil, fmt.Errorf("grading policy %q needs a model", policy)
		}
		return &ModelScorer{Gen: gen, Variant: prompts.PromptVariant(policy)}, nil
	default:
		return nil, fmt.Errorf("unknown grading policy %q", policy)
	}
}

// ModelScorer grades with the remote model.
type ModelScorer struct {
	Gen     Generator
	Variant prompts.PromptVariant
}

func (s *ModelScorer) Name() string { return "model/" + string(s.Variant) }

func (s *ModelScorer) Score(ctx context.Context, items []GradingItem) (model.ReportCard, error) {
	gradeItems := make([]prompts.GradeItem, 0, len(items))
	for _, it := range items {
		gradeItems = append(gradeItems, prompts.GradeItem{
			ID:                 it.Question.ID,
			MaxMarks:           it.Question.MaxMarks,
			ModelAnswer:        it.Key.ModelAnswer,
			Keywords:           it.Key.Keywords,
			DiagramRequired:    it.Key.DiagramRequired,
			DiagramDescription: it.Key.DiagramDescription,
			Status:             it.Answer.Status,
			Answer:             it.Answer.ExtractedText,
		})
	}

	prompt, err := prompts.BuildGradePrompt(s.Variant, gradeItems)
	if err != nil {
		return model.ReportCard{}, fmt.Errorf("build grade prompt: %w", err)
	}
	raw, err := s.Gen.Generate(ctx, llm.Request{
		Stage:       StageGrading,
		System:      prompt.System,
		Instruction: prompt.Instruction,
		Shape:       llm.ShapeObject,
	})
	if err != nil {
		return model.ReportCard{}, upstreamErr(StageGrading, err)
	}

	var card model.ReportCard
	if err := schema.Decode(schema.ReportCard, raw, &card); err != nil {
		return model.ReportCard{}, stageErr(StageGrading, KindMalformedResponse, "response does not match the report card schema", err)
	}
	return card, nil
}

// KeywordScorer grades locally: each answer earns the share of the key's
// keywords it mentions, or the share of model answer terms when the key has
// no keywords. Marks are rounded to the nearest half mark.
type KeywordScorer struct{}

func (KeywordScorer) Name() string { return PolicyKeyword }

func (KeywordScorer) Score(_ context.Context, items []GradingItem) (model.ReportCard, error) {
	card := model.ReportCard{Results: make([]model.QuestionResult, 0, len(items))}
	for _, it := range items {
		r := model.QuestionResult{QuestionID: it.Question.ID, MaxMarks: it.Question.MaxMarks}
		if it.Answer.Status == model.StatusUnanswered || strings.TrimSpace(it.Answer.ExtractedText) == "" {
			r.Feedback = "No answer provided."
			card.Results = append(card.Results, r)
			continue
		}

		share, missing := keywordShare(it.Answer.ExtractedText, it.Key)
		r.MarksObtained = math.Round(share*it.Question.MaxMarks*2) / 2
		switch {
		case len(missing) > 0:
			r.Feedback = "Missing key points: " + strings.Join(missing, ", ") + "."
		case share >= 1:
			r.Feedback = "All key points covered."
		default:
			r.Feedback = "Answer does not cover the model answer."
		}
		if it.Key.DiagramRequired && !strings.Contains(strings.ToLower(it.Answer.ExtractedText), "diagram") {
			r.Feedback += " Expected diagram not described."
		}
		card.Results = append(card.Results, r)
		card.TotalScore += r.MarksObtained
	}
	card.Remarks = "Scored by keyword coverage against the faculty key."
	return card, nil
}

func keywordShare(answer string, key model.FacultyKeyEntry) (float64, []string) {
	lower := strings.ToLower(answer)
	if len(key.Keywords) > 0 {
		var missing []string
		for _, k := range key.Keywords {
			if !strings.Contains(lower, strings.ToLower(k)) {
				missing = append(missing, k)
			}
		}
		return float64(len(key.Keywords)-len(missing)) / float64(len(key.Keywords)), missing
	}

	terms := significantTerms(key.ModelAnswer)
	if len(terms) == 0 {
		return 0, nil
	}
	have := make(map[string]bool)
	for _, t := range significantTerms(answer) {
		have[t] = true
	}
	var missing []string
	for _, t := range terms {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	return float64(len(terms)-len(missing)) / float64(len(terms)), missing
}

// significantTerms returns the distinct lowercase words longer than three letters.
func significantTerms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var terms []string
	for _, f := range fields {
		if len([]rune(f)) > 3 && !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}
