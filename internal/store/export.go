package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/autograder/internal/model"
)

// ExportReports builds the export envelope from the exam metadata and all
// stored report cards.
func (s *Store) ExportReports(ctx context.Context) (model.ReportExport, error) {
	info, err := s.GetExamInfo(ctx)
	if err != nil {
		return model.ReportExport{}, fmt.Errorf("get exam info: %w", err)
	}
	reports, err := s.ListReports(ctx)
	if err != nil {
		return model.ReportExport{}, fmt.Errorf("list reports: %w", err)
	}

	numQuestions := info.NumQuestions
	if numQuestions == 0 && len(reports) > 0 {
		numQuestions = len(reports[0].Report.Results)
	}
	if reports == nil {
		reports = []model.StoredReport{}
	}

	return model.ReportExport{
		ExamID:        info.ExamID,
		Subject:       info.Subject,
		Date:          info.Date,
		GradingPolicy: info.GradingPolicy,
		NumQuestions:  numQuestions,
		Reports:       reports,
	}, nil
}
