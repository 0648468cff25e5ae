package model

import "time"

// ExamInfo describes the exam a store holds results for.
type ExamInfo struct {
	ExamID        string
	Subject       string
	Date          string
	GradingPolicy string
	NumQuestions  int
}

// ReportExport is the top-level JSON structure for report card export.
type ReportExport struct {
	ExamID        string         `json:"exam_id"`
	Subject       string         `json:"subject"`
	Date          string         `json:"date"`
	GradingPolicy string         `json:"grading_policy"`
	NumQuestions  int            `json:"num_questions"`
	Reports       []StoredReport `json:"reports"`
}

// StoredReport is one completed run with its report card.
type StoredReport struct {
	RunID       string     `json:"run_id"`
	StudentName string     `json:"student_name"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Report      ReportCard `json:"report"`
}
