package model

import (
	"regexp"
	"strings"
	"time"
)

// AnswerStatus represents whether a student responded to a question.
type AnswerStatus string

const (
	StatusAnswered   AnswerStatus = "answered"
	StatusUnanswered AnswerStatus = "unanswered"
)

// Valid reports whether s is one of the known answer statuses.
func (s AnswerStatus) Valid() bool {
	return s == StatusAnswered || s == StatusUnanswered
}

// RunStatus represents the lifecycle state of a grading run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// QuestionDescriptor describes one question of the exam paper.
type QuestionDescriptor struct {
	ID       string   `json:"id"`
	SubParts []string `json:"sub_parts"`
	MaxMarks float64  `json:"max_marks"`
}

// FacultyKeyEntry is the model answer for a single question.
type FacultyKeyEntry struct {
	QuestionID         string   `json:"question_id"`
	ModelAnswer        string   `json:"model_answer"`
	Keywords           []string `json:"keywords"`
	DiagramRequired    bool     `json:"diagram_required"`
	DiagramDescription string   `json:"diagram_description,omitempty"`
}

// StudentAnswerEntry is the text a student wrote for a single question.
type StudentAnswerEntry struct {
	QuestionID    string       `json:"question_id"`
	Status        AnswerStatus `json:"status"`
	ExtractedText string       `json:"extracted_text"`
}

// QuestionResult holds the score for a single question.
type QuestionResult struct {
	QuestionID    string  `json:"question_id"`
	MarksObtained float64 `json:"marks_obtained"`
	MaxMarks      float64 `json:"max_marks"`
	Feedback      string  `json:"feedback"`
}

// ReportCard is the final grading output for one student.
type ReportCard struct {
	StudentName string           `json:"student_name"`
	Results     []QuestionResult `json:"results"`
	TotalScore  float64          `json:"total_score"`
	MaxScore    float64          `json:"max_score"`
	Remarks     string           `json:"remarks"`
}

// Run is the persisted record of one pipeline invocation.
type Run struct {
	ID          string     `json:"id"`
	StudentName string     `json:"student_name"`
	Status      RunStatus  `json:"status"`
	FailedStage string     `json:"failed_stage,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TotalMarks returns the sum of max_marks over a structure.
func TotalMarks(structure []QuestionDescriptor) float64 {
	var total float64
	for _, q := range structure {
		total += q.MaxMarks
	}
	return total
}

// QuestionIDs returns the ids of a structure in order.
func QuestionIDs(structure []QuestionDescriptor) []string {
	ids := make([]string, 0, len(structure))
	for _, q := range structure {
		ids = append(ids, q.ID)
	}
	return ids
}

var diagramMarkerRegex = regexp.MustCompile(`(?i)\[\s*diagram\s+required\s*:\s*([^\]]*)\]`)

// ParseDiagramMarker looks for a "[DIAGRAM REQUIRED: description]" marker in text.
// It returns the description and whether a marker was found.
func ParseDiagramMarker(text string) (string, bool) {
	m := diagramMarkerRegex.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// DiagramMarker formats a diagram requirement the way the key builder emits it.
func DiagramMarker(description string) string {
	return "[DIAGRAM REQUIRED: " + strings.TrimSpace(description) + "]"
}

// RunEvent is published when a grading run finishes.
type RunEvent struct {
	RunID       string    `json:"run_id"`
	StudentName string    `json:"student_name"`
	Status      RunStatus `json:"status"`
	Stage       string    `json:"stage,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	TotalScore  float64   `json:"total_score"`
	MaxScore    float64   `json:"max_score"`
	FinishedAt  time.Time `json:"finished_at"`
}
