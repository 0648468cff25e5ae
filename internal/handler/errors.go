package handler

import (
	"errors"
	"net/http"
	"strings"

	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/pipeline"
)

type errorBody struct {
	RunID     string `json:"run_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

var kindMessages = map[pipeline.Kind]string{
	pipeline.KindMalformedStructure:     "ErrMalformedStructure",
	pipeline.KindEmptyStructure:         "ErrEmptyStructure",
	pipeline.KindKeyCoverage:            "ErrKeyCoverage",
	pipeline.KindAnswerCoverage:         "ErrAnswerCoverage",
	pipeline.KindGradingMismatch:        "ErrGradingMismatch",
	pipeline.KindMalformedResponse:      "ErrMalformedResponse",
	pipeline.KindUpstreamTimeout:        "ErrUpstreamTimeout",
	pipeline.KindUpstreamRequestFailure: "ErrUpstreamRequestFailure",
}

// statusFor maps a pipeline error kind to an HTTP status.
func statusFor(k pipeline.Kind) int {
	switch {
	case k == pipeline.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case k.Upstream():
		return http.StatusBadGateway
	case k == "":
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

// writeStageError reports a failed run. The wrapped upstream error never
// reaches the client.
func writeStageError(w http.ResponseWriter, r *http.Request, runID string, err error) {
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		writeError(w, r, http.StatusInternalServerError, errorBody{RunID: runID, Kind: "InternalError"}, "ErrInternal", nil)
		return
	}
	body := errorBody{
		RunID:     runID,
		Stage:     se.Stage,
		Kind:      string(se.Kind),
		Retryable: se.Retryable(),
	}
	data := map[string]any{
		"Stage":   se.Stage,
		"Missing": strings.Join(se.Missing, ", "),
	}
	writeError(w, r, statusFor(se.Kind), body, kindMessages[se.Kind], data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, body errorBody, msgID string, data map[string]any) {
	if msgID == "" {
		msgID = "ErrInternal"
	}
	body.Message = appI18n.Td(r.Context(), msgID, data)
	writeJSON(w, status, body)
}
