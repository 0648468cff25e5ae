package pipeline

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/autograder/internal/model"
)

// StudentInput is one submission in a batch.
type StudentInput struct {
	Name       string
	Submission model.Document
}

// BatchInput grades many submissions against one paper and solution.
type BatchInput struct {
	QuestionPaper   model.Document
	FacultySolution model.Document
	Students        []StudentInput
}

// BatchResult holds either the report or the error for one student.
type BatchResult struct {
	StudentName string
	RunID       string
	Report      model.ReportCard
	Err         error
}

// RunBatch grades every student with at most limit runs in flight. A failed
// run does not stop the others. Results keep the order of in.Students.
func (p *Pipeline) RunBatch(ctx context.Context, in BatchInput, limit int) []BatchResult {
	results := make([]BatchResult, len(in.Students))
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, s := range in.Students {
		runID := uuid.NewString()
		g.Go(func() error {
			report, err := p.Run(ctx, RunInput{
				QuestionPaper:     in.QuestionPaper,
				FacultySolution:   in.FacultySolution,
				StudentSubmission: s.Submission,
				StudentName:       s.Name,
				RunID:             runID,
			})
			results[i] = BatchResult{StudentName: s.Name, RunID: runID, Report: report, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("batch finished", "students", len(in.Students), "failed", Failed(results))
	return results
}

// Failed reports how many results carry an error.
func Failed(results []BatchResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
