package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/model"
)

func structureTwo() []model.QuestionDescriptor {
	return []model.QuestionDescriptor{
		{ID: "Q1", SubParts: []string{"a", "b"}, MaxMarks: 10},
		{ID: "Q2", SubParts: []string{}, MaxMarks: 5},
	}
}

func TestExtractStructure(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantKind Kind
		wantIDs  []string
	}{
		{"ordered list", `[{"id": "Q1", "sub_parts": ["a"], "max_marks": 10}, {"id": "Q2", "max_marks": 5}]`, "", []string{"Q1", "Q2"}},
		{"fenced and wrapped", "```json\n{\"questions\": [{\"id\": \"Q1\", \"sub_parts\": null, \"max_marks\": 4}]}\n```", "", []string{"Q1"}},
		{"empty list", `[]`, KindEmptyStructure, nil},
		{"not json", `Here are the questions: Q1, Q2`, KindMalformedStructure, nil},
		{"missing max marks", `[{"id": "Q1"}]`, KindMalformedStructure, nil},
		{"negative marks", `[{"id": "Q1", "max_marks": -1}]`, KindMalformedStructure, nil},
		{"duplicate id", `[{"id": "Q1", "max_marks": 1}, {"id": "Q1", "max_marks": 2}]`, KindMalformedStructure, nil},
		{"blank id", `[{"id": "  ", "max_marks": 1}]`, KindMalformedStructure, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newScriptedModel(map[string]stageFunc{StageStructure: reply(tt.response)})
			got, err := ExtractStructure(context.Background(), newClient(m), doc("q.txt", "paper"), discardLogger())
			if tt.wantKind != "" {
				require.Error(t, err)
				require.Equal(t, tt.wantKind, KindOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantIDs, model.QuestionIDs(got))
			for _, q := range got {
				require.NotNil(t, q.SubParts, "sub_parts must never be nil")
				require.GreaterOrEqual(t, q.MaxMarks, 0.0)
			}
		})
	}
}

func TestExtractStructureSendsPaper(t *testing.T) {
	var seen llm.Request
	m := newScriptedModel(map[string]stageFunc{StageStructure: func(_ context.Context, req llm.Request) (string, error) {
		seen = req
		return structureQ1, nil
	}})
	_, err := ExtractStructure(context.Background(), newClient(m), doc("q.txt", "paper"), nil)
	require.NoError(t, err)
	require.Len(t, seen.Documents, 1)
	require.Equal(t, "q.txt", seen.Documents[0].Name)
	require.Equal(t, llm.ShapeArray, seen.Shape)
	require.Contains(t, seen.Instruction, "max_marks")
}

func TestBuildKey(t *testing.T) {
	t.Run("covers structure in order", func(t *testing.T) {
		m := newScriptedModel(map[string]stageFunc{StageFacultyKey: reply(`[
			{"question_id": "Q2", "model_answer": "Two", "keywords": ["x", "y", "z"]},
			{"question_id": "Q1", "model_answer": "One", "keywords": ["a", "b", "c", "d"]}
		]`)})
		key, err := BuildKey(context.Background(), newClient(m), structureTwo(), doc("f.txt", "solution"), discardLogger())
		require.NoError(t, err)
		require.Len(t, key, 2)
		require.Equal(t, "Q1", key[0].QuestionID)
		require.Equal(t, "Q2", key[1].QuestionID)
	})

	t.Run("missing id", func(t *testing.T) {
		m := newScriptedModel(map[string]stageFunc{StageFacultyKey: reply(`[{"question_id": "Q1", "model_answer": "One", "keywords": ["a", "b", "c"]}]`)})
		_, err := BuildKey(context.Background(), newClient(m), structureTwo(), doc("f.txt", "solution"), discardLogger())
		require.ErrorIs(t, err, ErrKeyCoverage)
		var se *StageError
		require.True(t, errors.As(err, &se))
		require.Equal(t, []string{"Q2"}, se.Missing)
		require.Equal(t, StageFacultyKey, se.Stage)
	})

	t.Run("blank model answer is uncovered", func(t *testing.T) {
		m := newScriptedModel(map[string]stageFunc{StageFacultyKey: reply(`[
			{"question_id": "Q1", "model_answer": "One", "keywords": ["a", "b", "c"]},
			{"question_id": "Q2", "model_answer": "  ", "keywords": ["x", "y", "z"]}
		]`)})
		_, err := BuildKey(context.Background(), newClient(m), structureTwo(), doc("f.txt", "solution"), discardLogger())
		require.ErrorIs(t, err, ErrKeyCoverage)
		var se *StageError
		require.True(t, errors.As(err, &se))
		require.Equal(t, []string{"Q2"}, se.Missing)
	})

	t.Run("diagram marker parsed", func(t *testing.T) {
		m := newScriptedModel(map[string]stageFunc{StageFacultyKey: reply(`[
			{"question_id": "Q1", "model_answer": "Draw it. [DIAGRAM REQUIRED: block diagram of a CPU]", "keywords": ["alu", "registers", "bus"]},
			{"question_id": "Q2", "model_answer": "Two", "keywords": ["x", "y", "z"], "diagram_description": "ignored"}
		]`)})
		key, err := BuildKey(context.Background(), newClient(m), structureTwo(), doc("f.txt", "solution"), discardLogger())
		require.NoError(t, err)
		require.True(t, key[0].DiagramRequired)
		require.Equal(t, "block diagram of a CPU", key[0].DiagramDescription)
		require.False(t, key[1].DiagramRequired)
		require.Empty(t, key[1].DiagramDescription)
	})

	t.Run("unexpected keyword count warns", func(t *testing.T) {
		h := newRecordHandler()
		m := newScriptedModel(map[string]stageFunc{StageFacultyKey: reply(`[
			{"question_id": "Q1", "model_answer": "One", "keywords": ["a"]},
			{"question_id": "Q2", "model_answer": "Two", "keywords": ["x", "y", "z"]},
			{"question_id": "Q9", "model_answer": "Stray"}
		]`)})
		key, err := BuildKey(context.Background(), newClient(m), structureTwo(), doc("f.txt", "solution"), slog.New(h))
		require.NoError(t, err)
		require.Len(t, key, 2)

		warns := h.warnings(t)
		require.Len(t, warns, 2)
		require.Equal(t, "Q9", warns[0].Attrs["question_id"])
		require.Equal(t, "Q1", warns[1].Attrs["question_id"])
		require.Equal(t, "1", warns[1].Attrs["keywords"])
	})

	t.Run("invalid json", func(t *testing.T) {
		m := newScriptedModel(map[string]stageFunc{StageFacultyKey: reply(`{"oops": true`)})
		_, err := BuildKey(context.Background(), newClient(m), structureTwo(), doc("f.txt", "solution"), discardLogger())
		require.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("structure passed as context", func(t *testing.T) {
		var seen llm.Request
		m := newScriptedModel(map[string]stageFunc{StageFacultyKey: func(_ context.Context, req llm.Request) (string, error) {
			seen = req
			return `[{"question_id": "Q1", "model_answer": "One", "keywords": ["a", "b", "c"]}, {"question_id": "Q2", "model_answer": "Two", "keywords": ["x", "y", "z"]}]`, nil
		}})
		_, err := BuildKey(context.Background(), newClient(m), structureTwo(), doc("f.txt", "solution"), discardLogger())
		require.NoError(t, err)
		require.JSONEq(t, `[{"id": "Q1", "sub_parts": ["a", "b"], "max_marks": 10}, {"id": "Q2", "sub_parts": [], "max_marks": 5}]`, string(seen.Context))
	})
}

func TestBuildKeyDuplicateFirstWins(t *testing.T) {
	h := newRecordHandler()
	m := newScriptedModel(map[string]stageFunc{StageFacultyKey: reply(`[
		{"question_id": "Q1", "model_answer": "First", "keywords": ["a", "b", "c"]},
		{"question_id": "Q1", "model_answer": "Second", "keywords": ["d", "e", "f"]}
	]`)})
	structure := []model.QuestionDescriptor{{ID: "Q1", SubParts: []string{}, MaxMarks: 10}}

	key, err := BuildKey(context.Background(), newClient(m), structure, doc("f.txt", "solution"), slog.New(h))
	require.NoError(t, err)
	require.Len(t, key, 1)
	require.Equal(t, "First", key[0].ModelAnswer)

	warns := h.warnings(t)
	require.Len(t, warns, 1)
	require.Equal(t, "Q1", warns[0].Attrs["question_id"])
	require.Equal(t, StageFacultyKey, warns[0].Attrs["stage"])
}

func TestExtractAnswers(t *testing.T) {
	t.Run("unanswered entry covers id and clears text", func(t *testing.T) {
		m := newScriptedModel(map[string]stageFunc{StageStudentAnswers: reply(`[
			{"question_id": "Q1", "status": "unanswered", "extracted_text": "scribble"},
			{"question_id": "Q2", "status": "answered", "extracted_text": "Answer two"}
		]`)})
		answers, err := ExtractAnswers(context.Background(), newClient(m), structureTwo(), doc("s.txt", "script"), discardLogger())
		require.NoError(t, err)
		require.Len(t, answers, 2)
		require.Equal(t, model.StatusUnanswered, answers[0].Status)
		require.Empty(t, answers[0].ExtractedText)
		require.Equal(t, "Answer two", answers[1].ExtractedText)
	})

	t.Run("omitted id", func(t *testing.T) {
		m := newScriptedModel(map[string]stageFunc{StageStudentAnswers: reply(`[{"question_id": "Q2", "status": "answered", "extracted_text": "x"}]`)})
		_, err := ExtractAnswers(context.Background(), newClient(m), structureTwo(), doc("s.txt", "script"), discardLogger())
		require.ErrorIs(t, err, ErrAnswerCoverage)
		var se *StageError
		require.True(t, errors.As(err, &se))
		require.Equal(t, []string{"Q1"}, se.Missing)
	})

	t.Run("unknown status", func(t *testing.T) {
		m := newScriptedModel(map[string]stageFunc{StageStudentAnswers: reply(`[{"question_id": "Q1", "status": "partial", "extracted_text": "x"}]`)})
		_, err := ExtractAnswers(context.Background(), newClient(m), structureTwo(), doc("s.txt", "script"), discardLogger())
		require.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("invalid status on dropped entries is ignored", func(t *testing.T) {
		m := newScriptedModel(map[string]stageFunc{StageStudentAnswers: reply(`[
			{"question_id": "Q1", "status": "answered", "extracted_text": "first"},
			{"question_id": "Q1", "status": "partial", "extracted_text": "second"},
			{"question_id": "Q7", "status": "partial", "extracted_text": "stray"},
			{"question_id": "Q2", "status": "answered", "extracted_text": "two"}
		]`)})
		answers, err := ExtractAnswers(context.Background(), newClient(m), structureTwo(), doc("s.txt", "script"), discardLogger())
		require.NoError(t, err)
		require.Len(t, answers, 2)
		require.Equal(t, "first", answers[0].ExtractedText)
	})

	t.Run("duplicate keeps first", func(t *testing.T) {
		h := newRecordHandler()
		m := newScriptedModel(map[string]stageFunc{StageStudentAnswers: reply(`[
			{"question_id": "Q1", "status": "answered", "extracted_text": "first"},
			{"question_id": "Q1", "status": "answered", "extracted_text": "second"},
			{"question_id": "Q2", "status": "unanswered", "extracted_text": ""}
		]`)})
		answers, err := ExtractAnswers(context.Background(), newClient(m), structureTwo(), doc("s.txt", "script"), slog.New(h))
		require.NoError(t, err)
		require.Equal(t, "first", answers[0].ExtractedText)
		require.Len(t, h.warnings(t), 1)
	})
}

func TestStageUpstreamErrors(t *testing.T) {
	m := newScriptedModel(map[string]stageFunc{
		StageStructure: fail(&llm.HTTPError{StatusCode: 503, Err: errors.New("overloaded")}),
	})
	_, err := ExtractStructure(context.Background(), newClient(m), doc("q.txt", "paper"), discardLogger())
	require.ErrorIs(t, err, ErrUpstreamRequestFailure)
	var se *StageError
	require.True(t, errors.As(err, &se))
	require.True(t, se.Retryable())
	require.NotContains(t, se.PublicMessage(), "overloaded")
}
