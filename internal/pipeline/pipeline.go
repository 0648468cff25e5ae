package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/pavelanni/autograder/internal/cache"
	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/model"
)

// RunRecorder persists the lifecycle of a run.
type RunRecorder interface {
	StartRun(ctx context.Context, run model.Run) error
	FinishRun(ctx context.Context, runID string, report model.ReportCard) error
	FailRun(ctx context.Context, runID, stage, kind string) error
}

// Notifier publishes run completion events.
type Notifier interface {
	Publish(ctx context.Context, event model.RunEvent) error
}

// RunInput is the document triple for one student.
type RunInput struct {
	QuestionPaper     model.Document
	FacultySolution   model.Document
	StudentSubmission model.Document
	StudentName       string
	// RunID is generated when empty.
	RunID string
}

// Options configures a Pipeline. Nil fields disable the feature.
type Options struct {
	Cache      cache.Cache
	Sink       ArtifactSink
	Recorder   RunRecorder
	Notifier   Notifier
	Retry      RetryPolicy
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Pipeline chains the four stages. It is safe for concurrent use.
type Pipeline struct {
	gen      Generator
	scorer   Scorer
	cache    cache.Cache
	sink     ArtifactSink
	recorder RunRecorder
	notifier Notifier
	retry    RetryPolicy
	logger   *slog.Logger
	metrics  *metrics
	flight   singleflight.Group
	now      func() time.Time
}

// New creates a pipeline that extracts with gen and grades with scorer.
func New(gen Generator, scorer Scorer, opts Options) *Pipeline {
	c := opts.Cache
	if c == nil {
		c = cache.Nop{}
	}
	return &Pipeline{
		gen:      gen,
		scorer:   scorer,
		cache:    c,
		sink:     opts.Sink,
		recorder: opts.Recorder,
		notifier: opts.Notifier,
		retry:    opts.Retry,
		logger:   orDefault(opts.Logger),
		metrics:  newMetrics(opts.Registerer),
		now:      time.Now,
	}
}

// Run grades one student submission. It returns either a complete report card
// or a *StageError naming the stage that failed.
func (p *Pipeline) Run(ctx context.Context, in RunInput) (model.ReportCard, error) {
	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := p.logger.With("run_id", runID, "student", in.StudentName)
	logger.Info("grading run started", "question_paper", in.QuestionPaper.Name, "faculty_solution", in.FacultySolution.Name, "submission", in.StudentSubmission.Name)

	if p.recorder != nil {
		err := p.recorder.StartRun(ctx, model.Run{
			ID:          runID,
			StudentName: in.StudentName,
			Status:      model.RunRunning,
			StartedAt:   p.now().UTC(),
		})
		if err != nil {
			logger.Warn("failed to record run start", "error", err)
		}
	}

	report, stage, err := p.run(ctx, runID, in, logger)
	if err != nil {
		p.fail(ctx, runID, in.StudentName, stage, err, logger)
		return model.ReportCard{}, err
	}

	p.metrics.runs.WithLabelValues(string(model.RunCompleted)).Inc()
	if p.recorder != nil {
		if err := p.recorder.FinishRun(ctx, runID, report); err != nil {
			logger.Warn("failed to record run completion", "error", err)
		}
	}
	p.publish(ctx, model.RunEvent{
		RunID:       runID,
		StudentName: report.StudentName,
		Status:      model.RunCompleted,
		TotalScore:  report.TotalScore,
		MaxScore:    report.MaxScore,
		FinishedAt:  p.now().UTC(),
	}, logger)
	logger.Info("grading run completed", "total_score", report.TotalScore, "max_score", report.MaxScore)
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, runID string, in RunInput, logger *slog.Logger) (model.ReportCard, string, error) {
	structure, err := timed(p, StageStructure, func() ([]model.QuestionDescriptor, error) {
		return p.structure(ctx, in.QuestionPaper, logger)
	})
	if err != nil {
		return model.ReportCard{}, StageStructure, err
	}
	p.save(ctx, runID, ArtifactStructure, structure, logger)

	key, err := timed(p, StageFacultyKey, func() ([]model.FacultyKeyEntry, error) {
		return p.key(ctx, structure, in.FacultySolution, logger)
	})
	if err != nil {
		return model.ReportCard{}, StageFacultyKey, err
	}
	p.save(ctx, runID, ArtifactFacultyKey, key, logger)

	answers, err := timed(p, StageStudentAnswers, func() ([]model.StudentAnswerEntry, error) {
		return withRetry(ctx, p.retry, logger, StageStudentAnswers, func(ctx context.Context) ([]model.StudentAnswerEntry, error) {
			return ExtractAnswers(ctx, p.gen, structure, in.StudentSubmission, logger)
		})
	})
	if err != nil {
		return model.ReportCard{}, StageStudentAnswers, err
	}
	p.save(ctx, runID, ArtifactAnswers, answers, logger)

	report, err := timed(p, StageGrading, func() (model.ReportCard, error) {
		return withRetry(ctx, p.retry, logger, StageGrading, func(ctx context.Context) (model.ReportCard, error) {
			return Grade(ctx, p.scorer, structure, key, answers, in.StudentName, logger)
		})
	})
	if err != nil {
		return model.ReportCard{}, StageGrading, err
	}
	p.save(ctx, runID, ArtifactReport, report, logger)

	return report, "", nil
}

func (p *Pipeline) structure(ctx context.Context, paper model.Document, logger *slog.Logger) ([]model.QuestionDescriptor, error) {
	key := cache.Key(StageStructure, p.gen.ModelName(), prompts.Version, paper.Hash())
	return memo(ctx, p, StageStructure, key, logger, func(ctx context.Context) ([]model.QuestionDescriptor, error) {
		return withRetry(ctx, p.retry, logger, StageStructure, func(ctx context.Context) ([]model.QuestionDescriptor, error) {
			return ExtractStructure(ctx, p.gen, paper, logger)
		})
	})
}

func (p *Pipeline) key(ctx context.Context, structure []model.QuestionDescriptor, solution model.Document, logger *slog.Logger) ([]model.FacultyKeyEntry, error) {
	structJSON, err := json.Marshal(structure)
	if err != nil {
		return nil, fmt.Errorf("marshal structure: %w", err)
	}
	sum := sha256.Sum256(structJSON)
	key := cache.Key(StageFacultyKey, p.gen.ModelName(), prompts.Version, solution.Hash(), hex.EncodeToString(sum[:]))
	return memo(ctx, p, StageFacultyKey, key, logger, func(ctx context.Context) ([]model.FacultyKeyEntry, error) {
		return withRetry(ctx, p.retry, logger, StageFacultyKey, func(ctx context.Context) ([]model.FacultyKeyEntry, error) {
			return BuildKey(ctx, p.gen, structure, solution, logger)
		})
	})
}

// memo returns the cached value for key or computes it. Concurrent callers
// with the same key share one computation, which runs detached from any
// single caller's cancellation; each caller still stops waiting when its own
// ctx is done. Cache failures count as misses.
func memo[T any](ctx context.Context, p *Pipeline, stage, key string, logger *slog.Logger, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := cacheGet[T](ctx, p, stage, key, logger); ok {
		return v, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := p.flight.DoChan(key, func() (any, error) {
		if v, ok := cacheGet[T](shared, p, stage, key, logger); ok {
			return v, nil
		}
		v, err := compute(shared)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			logger.Warn("failed to encode cache entry", "stage", stage, "error", err)
			return v, nil
		}
		if err := p.cache.Set(shared, key, data); err != nil {
			logger.Warn("failed to store cache entry", "stage", stage, "error", err)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, upstreamErr(stage, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Shared {
			logger.Debug("shared in-flight stage result", "stage", stage)
		}
		return res.Val.(T), nil
	}
}

func cacheGet[T any](ctx context.Context, p *Pipeline, stage, key string, logger *slog.Logger) (T, bool) {
	var zero T
	data, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.metrics.cacheLookups.WithLabelValues(stage, "error").Inc()
		logger.Warn("cache lookup failed, treating as miss", "stage", stage, "error", err)
		return zero, false
	}
	if !ok {
		p.metrics.cacheLookups.WithLabelValues(stage, "miss").Inc()
		return zero, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		p.metrics.cacheLookups.WithLabelValues(stage, "error").Inc()
		logger.Warn("corrupt cache entry, treating as miss", "stage", stage, "error", err)
		return zero, false
	}
	p.metrics.cacheLookups.WithLabelValues(stage, "hit").Inc()
	logger.Debug("cache hit", "stage", stage)
	return v, true
}

func timed[T any](p *Pipeline, stage string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	p.metrics.stageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
	return v, err
}

func (p *Pipeline) save(ctx context.Context, runID, name string, v any, logger *slog.Logger) {
	if p.sink == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Warn("failed to encode artifact", "artifact", name, "error", err)
		return
	}
	if err := p.sink.SaveArtifact(ctx, runID, name, data); err != nil {
		logger.Warn("failed to save artifact", "artifact", name, "error", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, runID, studentName, stage string, err error, logger *slog.Logger) {
	kind := string(KindOf(err))
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	if kind == "" {
		kind = "InternalError"
	}
	p.metrics.runs.WithLabelValues(string(model.RunFailed)).Inc()
	logger.Error("grading run failed", "stage", stage, "kind", kind, "error", err)

	if p.recorder != nil {
		if rerr := p.recorder.FailRun(ctx, runID, stage, kind); rerr != nil {
			logger.Warn("failed to record run failure", "error", rerr)
		}
	}
	p.publish(ctx, model.RunEvent{
		RunID:       runID,
		StudentName: studentName,
		Status:      model.RunFailed,
		Stage:       stage,
		ErrorKind:   kind,
		FinishedAt:  p.now().UTC(),
	}, logger)
}

func (p *Pipeline) publish(ctx context.Context, event model.RunEvent, logger *slog.Logger) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish run event", "error", err)
	}
}
