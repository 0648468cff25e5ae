package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/pipeline"
	"github.com/pavelanni/autograder/internal/store"
)

const (
	structureQ1 = `[{"id": "Q1", "sub_parts": [], "max_marks": 10}]`
	keyQ1       = `[{"question_id": "Q1", "model_answer": "A lightweight thread managed by the Go runtime.", "keywords": ["lightweight", "thread", "runtime"], "diagram_required": false}]`
	answersQ1   = `[{"question_id": "Q1", "status": "answered", "extracted_text": "A cheap thread run by the runtime scheduler."}]`
)

// stageModel answers every stage from a table.
type stageModel map[string]func() (string, error)

func (m stageModel) Name() string { return "stage-model" }

func (m stageModel) Generate(_ context.Context, req llm.Request) (string, error) {
	fn, ok := m[req.Stage]
	if !ok {
		return "", &llm.HTTPError{StatusCode: http.StatusBadRequest, Err: errors.New("unexpected stage")}
	}
	return fn()
}

func replyWith(s string) func() (string, error) {
	return func() (string, error) { return s, nil }
}

func happyModel() stageModel {
	return stageModel{
		pipeline.StageStructure:      replyWith(structureQ1),
		pipeline.StageFacultyKey:     replyWith(keyQ1),
		pipeline.StageStudentAnswers: replyWith(answersQ1),
	}
}

type testServer struct {
	router http.Handler
	store  *store.Store
}

func newTestServer(t *testing.T, m llm.Model, cfg Config) *testServer {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	client := llm.NewClient(m, llm.Options{Logger: logger, Registerer: reg})
	p := pipeline.New(client, pipeline.KeywordScorer{}, pipeline.Options{
		Sink:       s,
		Recorder:   s,
		Retry:      pipeline.RetryPolicy{MaxRetries: 1},
		Logger:     logger,
		Registerer: reg,
	})
	if cfg.Gatherer == nil {
		cfg.Gatherer = reg
	}

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	New(s, p, cfg).Routes(r)
	return &testServer{router: r, store: s}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, files map[string]string, studentName string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, content := range files {
		fw, err := mw.CreateFormFile(field, field+".txt")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if studentName != "" {
		if err := mw.WriteField("student_name", studentName); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/runs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func allFiles() map[string]string {
	return map[string]string{
		"question": "Q1. What is a goroutine? (10 marks)",
		"faculty":  "Q1. A lightweight thread managed by the Go runtime.",
		"student":  "Q1. A cheap thread run by the runtime scheduler.",
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (body %q)", err, rec.Body.String())
	}
	return body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, happyModel(), Config{})
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateRun(t *testing.T) {
	ts := newTestServer(t, happyModel(), Config{})

	rec := ts.do(uploadRequest(t, allFiles(), "Alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	runID := rec.Header().Get("X-Run-ID")
	if runID == "" {
		t.Fatal("X-Run-ID header should be set")
	}

	var report model.ReportCard
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.StudentName != "Alice" {
		t.Errorf("StudentName = %q", report.StudentName)
	}
	if report.MaxScore != 10 || len(report.Results) != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	t.Run("list", func(t *testing.T) {
		rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/runs", nil))
		var runs []model.Run
		if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
			t.Fatalf("decode runs: %v", err)
		}
		if len(runs) != 1 || runs[0].ID != runID || runs[0].Status != model.RunCompleted {
			t.Errorf("unexpected runs %+v", runs)
		}
	})

	t.Run("get", func(t *testing.T) {
		rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/runs/"+runID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var view runView
		if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
			t.Fatalf("decode run: %v", err)
		}
		if view.Report == nil || view.Report.TotalScore != report.TotalScore {
			t.Errorf("stored report mismatch: %+v", view.Report)
		}
		if len(view.Artifacts) != len(pipeline.ArtifactNames) {
			t.Errorf("artifacts = %v", view.Artifacts)
		}
	})

	t.Run("artifacts", func(t *testing.T) {
		tests := []struct {
			stage string
			want  int
		}{
			{"structure", http.StatusOK},
			{"grading", http.StatusOK},
			{pipeline.ArtifactAnswers, http.StatusOK},
			{"bogus", http.StatusNotFound},
		}
		for _, tt := range tests {
			rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/runs/"+runID+"/artifacts/"+tt.stage, nil))
			if rec.Code != tt.want {
				t.Errorf("%s: status = %d, want %d", tt.stage, rec.Code, tt.want)
			}
		}

		rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/runs/"+runID+"/artifacts/structure", nil))
		var structure []model.QuestionDescriptor
		if err := json.NewDecoder(rec.Body).Decode(&structure); err != nil {
			t.Fatalf("decode structure artifact: %v", err)
		}
		if len(structure) != 1 || structure[0].ID != "Q1" {
			t.Errorf("structure artifact = %+v", structure)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if !strings.Contains(rec.Body.String(), "autograder_runs_total") {
			t.Error("metrics should expose the run counter")
		}
	})
}

func TestGetUnknownRun(t *testing.T) {
	ts := newTestServer(t, happyModel(), Config{})
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if body := decodeError(t, rec); body.Message != "Not found." {
		t.Errorf("message = %q", body.Message)
	}
}

func TestListRunsInvalidLimit(t *testing.T) {
	ts := newTestServer(t, happyModel(), Config{})
	for _, limit := range []string{"abc", "0", "-3"} {
		rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/runs?limit="+limit, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, rec.Code)
			continue
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("limit=%s: Content-Type = %q", limit, ct)
		}
		body := decodeError(t, rec)
		if body.Kind != "BadRequest" || body.Message != "Invalid value for limit." {
			t.Errorf("limit=%s: body = %+v", limit, body)
		}
	}
}

func TestCreateRunBadUpload(t *testing.T) {
	ts := newTestServer(t, happyModel(), Config{})

	files := allFiles()
	delete(files, "faculty")
	rec := ts.do(uploadRequest(t, files, "Bob"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeError(t, rec); body.Kind != "BadUpload" {
		t.Errorf("kind = %q", body.Kind)
	}

	files = allFiles()
	files["student"] = ""
	if rec := ts.do(uploadRequest(t, files, "Bob")); rec.Code != http.StatusBadRequest {
		t.Errorf("empty file: status = %d, want 400", rec.Code)
	}
}

func TestCreateRunTooLarge(t *testing.T) {
	ts := newTestServer(t, happyModel(), Config{MaxUpload: 64})
	rec := ts.do(uploadRequest(t, allFiles(), "Alice"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestCreateRunErrors(t *testing.T) {
	tests := []struct {
		name          string
		stage         string
		fn            func() (string, error)
		wantStatus    int
		wantKind      pipeline.Kind
		wantRetryable bool
	}{
		{
			name:       "empty structure",
			stage:      pipeline.StageStructure,
			fn:         replyWith(`[]`),
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   pipeline.KindEmptyStructure,
		},
		{
			name:       "key coverage",
			stage:      pipeline.StageFacultyKey,
			fn:         replyWith(`[]`),
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   pipeline.KindKeyCoverage,
		},
		{
			name:  "rejected credentials",
			stage: pipeline.StageStudentAnswers,
			fn: func() (string, error) {
				return "", &llm.HTTPError{StatusCode: http.StatusUnauthorized, Err: errors.New("api key sk-secret is invalid")}
			},
			wantStatus: http.StatusBadGateway,
			wantKind:   pipeline.KindUpstreamRequestFailure,
		},
		{
			name:          "timeout",
			stage:         pipeline.StageStructure,
			fn:            func() (string, error) { return "", context.DeadlineExceeded },
			wantStatus:    http.StatusGatewayTimeout,
			wantKind:      pipeline.KindUpstreamTimeout,
			wantRetryable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := happyModel()
			m[tt.stage] = tt.fn
			ts := newTestServer(t, m, Config{})

			rec := ts.do(uploadRequest(t, allFiles(), "Alice"))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			raw := rec.Body.String()
			body := decodeError(t, rec)
			if body.Kind != string(tt.wantKind) {
				t.Errorf("kind = %q, want %q", body.Kind, tt.wantKind)
			}
			if body.Stage != tt.stage {
				t.Errorf("stage = %q, want %q", body.Stage, tt.stage)
			}
			if body.RunID == "" || body.RunID != rec.Header().Get("X-Run-ID") {
				t.Errorf("run id %q should match header %q", body.RunID, rec.Header().Get("X-Run-ID"))
			}
			if body.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", body.Retryable, tt.wantRetryable)
			}
			if body.Message == "" || strings.HasPrefix(body.Message, "Err") {
				t.Errorf("message should be translated, got %q", body.Message)
			}
			if strings.Contains(raw, "sk-secret") {
				t.Error("upstream error text must not reach the client")
			}

			run, err := ts.store.GetRun(context.Background(), body.RunID)
			if err != nil || run == nil {
				t.Fatalf("GetRun: %v %v", run, err)
			}
			if run.Status != model.RunFailed || run.FailedStage != tt.stage {
				t.Errorf("stored run = %+v", run)
			}
		})
	}
}

func TestCreateRunLocalizedError(t *testing.T) {
	m := happyModel()
	m[pipeline.StageStructure] = replyWith(`[]`)
	ts := newTestServer(t, m, Config{})

	req := uploadRequest(t, allFiles(), "Alice")
	req.Header.Set("Accept-Language", "ru")
	rec := ts.do(req)
	if body := decodeError(t, rec); body.Message != "В билете не найдено ни одного вопроса." {
		t.Errorf("message = %q", body.Message)
	}
}

func TestRequireToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ts := newTestServer(t, happyModel(), Config{TokenHash: string(hash)})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if rec := ts.do(req); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz should not require a token, got %d", rec.Code)
	}
}

func TestHashToken(t *testing.T) {
	hash, err := HashToken("abc")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("abc")) != nil {
		t.Error("hash should verify the token")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind pipeline.Kind
		want int
	}{
		{pipeline.KindMalformedStructure, http.StatusUnprocessableEntity},
		{pipeline.KindGradingMismatch, http.StatusUnprocessableEntity},
		{pipeline.KindMalformedResponse, http.StatusUnprocessableEntity},
		{pipeline.KindUpstreamTimeout, http.StatusGatewayTimeout},
		{pipeline.KindUpstreamRequestFailure, http.StatusBadGateway},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.kind); got != tt.want {
			t.Errorf("statusFor(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
