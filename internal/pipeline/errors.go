package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/autograder/internal/llm"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindMalformedStructure     Kind = "MalformedStructure"
	KindEmptyStructure         Kind = "EmptyStructure"
	KindKeyCoverage            Kind = "KeyCoverageError"
	KindAnswerCoverage         Kind = "AnswerCoverageError"
	KindGradingMismatch        Kind = "GradingMismatch"
	KindMalformedResponse      Kind = "MalformedResponse"
	KindUpstreamTimeout        Kind = "UpstreamTimeout"
	KindUpstreamRequestFailure Kind = "UpstreamRequestFailure"
)

// Sentinel errors, one per kind, for use with errors.Is.
var (
	ErrMalformedStructure     = errors.New("malformed structure")
	ErrEmptyStructure         = errors.New("empty structure")
	ErrKeyCoverage            = errors.New("faculty key does not cover every question")
	ErrAnswerCoverage         = errors.New("student answers do not cover every question")
	ErrGradingMismatch        = errors.New("grading inputs disagree on question ids")
	ErrMalformedResponse      = errors.New("malformed model response")
	ErrUpstreamTimeout        = errors.New("model call timed out")
	ErrUpstreamRequestFailure = errors.New("model call failed")
)

var sentinels = map[Kind]error{
	KindMalformedStructure:     ErrMalformedStructure,
	KindEmptyStructure:         ErrEmptyStructure,
	KindKeyCoverage:            ErrKeyCoverage,
	KindAnswerCoverage:         ErrAnswerCoverage,
	KindGradingMismatch:        ErrGradingMismatch,
	KindMalformedResponse:      ErrMalformedResponse,
	KindUpstreamTimeout:        ErrUpstreamTimeout,
	KindUpstreamRequestFailure: ErrUpstreamRequestFailure,
}

// Upstream reports whether the kind comes from the remote model call rather
// than from the content of a stage output.
func (k Kind) Upstream() bool {
	return k == KindUpstreamTimeout || k == KindUpstreamRequestFailure
}

// StageError is the error returned by every stage and by Pipeline.Run.
type StageError struct {
	Stage   string
	Kind    Kind
	Detail  string
	Missing []string
	Err     error
}

func (e *StageError) Error() string {
	msg := e.PublicMessage()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// PublicMessage describes the failure without the wrapped upstream error.
func (e *StageError) PublicMessage() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Stage, e.Kind)
	if e.Detail != "" {
		sb.WriteString(": " + e.Detail)
	}
	if len(e.Missing) > 0 && !strings.Contains(e.Detail, "missing") {
		sb.WriteString(" (missing: " + strings.Join(e.Missing, ", ") + ")")
	}
	return sb.String()
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches the sentinel error of the kind.
func (e *StageError) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// Retryable reports whether running the stage again may succeed.
// Timeouts always qualify; other upstream failures only when the call was
// classified as transient.
func (e *StageError) Retryable() bool {
	switch e.Kind {
	case KindUpstreamTimeout:
		return true
	case KindUpstreamRequestFailure:
		var ce *llm.CallError
		return errors.As(e.Err, &ce) && ce.Transient
	}
	return false
}

// KindOf returns the kind of a pipeline error, or "" for other errors.
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func stageErr(stage string, kind Kind, detail string, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Detail: detail, Err: err}
}

// upstreamErr converts a failed model call into a StageError.
func upstreamErr(stage string, err error) *StageError {
	var ce *llm.CallError
	if errors.As(err, &ce) && ce.Timeout {
		return stageErr(stage, KindUpstreamTimeout, "model call timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return stageErr(stage, KindUpstreamTimeout, "model call timed out", err)
	}
	return stageErr(stage, KindUpstreamRequestFailure, "model call failed", err)
}
