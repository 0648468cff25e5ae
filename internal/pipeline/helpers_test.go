package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/model"
)

type stageFunc func(ctx context.Context, req llm.Request) (string, error)

// scriptedModel answers each stage with a fixed function and counts calls.
type scriptedModel struct {
	mu     sync.Mutex
	stages map[string]stageFunc
	calls  map[string]int
}

func newScriptedModel(stages map[string]stageFunc) *scriptedModel {
	return &scriptedModel{stages: stages, calls: make(map[string]int)}
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Generate(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	m.calls[req.Stage]++
	fn := m.stages[req.Stage]
	m.mu.Unlock()
	if fn == nil {
		return "", &llm.HTTPError{StatusCode: 400, Err: io.ErrUnexpectedEOF}
	}
	return fn(ctx, req)
}

func (m *scriptedModel) Calls(stage string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[stage]
}

func reply(s string) stageFunc {
	return func(context.Context, llm.Request) (string, error) { return s, nil }
}

// replies returns each answer in turn and then repeats the last one.
func replies(answers ...stageFunc) stageFunc {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, req llm.Request) (string, error) {
		mu.Lock()
		fn := answers[i]
		if i < len(answers)-1 {
			i++
		}
		mu.Unlock()
		return fn(ctx, req)
	}
}

func fail(err error) stageFunc {
	return func(context.Context, llm.Request) (string, error) { return "", err }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(m llm.Model) *llm.Client {
	return llm.NewClient(m, llm.Options{Logger: discardLogger()})
}

func doc(name, content string) model.Document {
	return model.Document{Name: name, MIMEType: "text/plain; charset=utf-8", Data: []byte(content)}
}

func testInput() RunInput {
	return RunInput{
		QuestionPaper:     doc("question.txt", "Q1. What is a goroutine? (10 marks)"),
		FacultySolution:   doc("faculty.txt", "Q1. A lightweight thread managed by the Go runtime."),
		StudentSubmission: doc("student.txt", "Q1. A cheap thread run by the runtime scheduler."),
		StudentName:       "Alice",
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 0, MaxDelay: 0}
}

const (
	structureQ1 = `[{"id": "Q1", "sub_parts": [], "max_marks": 10}]`
	keyQ1       = `[{"question_id": "Q1", "model_answer": "A lightweight thread managed by the Go runtime.", "keywords": ["lightweight", "thread", "runtime"], "diagram_required": false}]`
	answersQ1   = `[{"question_id": "Q1", "status": "answered", "extracted_text": "A cheap thread run by the runtime scheduler."}]`
	reportQ1    = `{"student_name": "", "results": [{"question_id": "Q1", "marks_obtained": 8, "max_marks": 10, "feedback": "Good"}], "total_score": 8, "remarks": "Solid"}`
)

func happyStages() map[string]stageFunc {
	return map[string]stageFunc{
		StageStructure:      reply(structureQ1),
		StageFacultyKey:     reply(keyQ1),
		StageStudentAnswers: reply(answersQ1),
		StageGrading:        reply(reportQ1),
	}
}

// recordHandler captures log records for assertions.
type recordHandler struct {
	mu      *sync.Mutex
	records *[]capturedRecord
	attrs   []slog.Attr
}

type capturedRecord struct {
	Level   slog.Level
	Message string
	Attrs   map[string]string
}

func newRecordHandler() *recordHandler {
	return &recordHandler{mu: &sync.Mutex{}, records: &[]capturedRecord{}}
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	rec := capturedRecord{Level: r.Level, Message: r.Message, Attrs: map[string]string{}}
	for _, a := range h.attrs {
		rec.Attrs[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[a.Key] = a.Value.String()
		return true
	})
	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *recordHandler) WithGroup(string) slog.Handler { return h }

func (h *recordHandler) warnings(t *testing.T) []capturedRecord {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []capturedRecord
	for _, r := range *h.records {
		if r.Level == slog.LevelWarn {
			out = append(out, r)
		}
	}
	return out
}
