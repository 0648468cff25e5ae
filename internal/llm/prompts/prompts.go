package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/schema"
)

// Version identifies the prompt set. It is part of every memoization key so
// that edited prompts never serve stale cached results.
const Version = "v1"

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for majors.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for electives.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

const systemPrompt = "You convert exam documents into strict JSON. Respond only with JSON, no prose and no markdown."

// Prompt is a rendered system and user instruction pair.
type Prompt struct {
	System      string
	Instruction string
}

// GradeItem is one question as presented to the grading model.
type GradeItem struct {
	ID                 string
	MaxMarks           float64
	ModelAnswer        string
	Keywords           []string
	DiagramRequired    bool
	DiagramDescription string
	Status             model.AnswerStatus
	Answer             string
}

type stageData struct {
	Schema string
}

type gradeData struct {
	Items  []GradeItem
	Schema string
}

var (
	loadOnce       sync.Once
	loadErr        error
	stageTemplates map[string]*template.Template
	gradeTemplates map[PromptVariant]*template.Template
)

var funcs = template.FuncMap{
	"join":          strings.Join,
	"diagramMarker": model.DiagramMarker,
}

// load parses the embedded templates once.
func load() error {
	loadOnce.Do(func() {
		loadErr = loadFrom(templateFS)
	})
	return loadErr
}

func loadFrom(fsys fs.FS) error {
	stageTemplates = make(map[string]*template.Template)
	gradeTemplates = make(map[PromptVariant]*template.Template)

	for _, name := range []string{"structure", "faculty_key", "student_answers"} {
		tmpl, err := parseTemplate(fsys, "templates/"+name+".txt")
		if err != nil {
			return err
		}
		stageTemplates[name] = tmpl
	}
	for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
		tmpl, err := parseTemplate(fsys, "templates/grade_"+string(v)+".txt")
		if err != nil {
			return err
		}
		gradeTemplates[v] = tmpl
	}
	return nil
}

func parseTemplate(fsys fs.FS, file string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, file)
	if err != nil {
		return nil, errors.New("failed to read prompt file " + file + ": " + err.Error())
	}
	tmpl, err := template.New(file).Funcs(funcs).Parse(string(content))
	if err != nil {
		return nil, errors.New("failed to parse prompt template " + file + ": " + err.Error())
	}
	return tmpl, nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildStage(name string, k schema.Kind) (Prompt, error) {
	if err := load(); err != nil {
		return Prompt{}, fmt.Errorf("templates load failed: %w", err)
	}
	text, err := render(stageTemplates[name], stageData{Schema: schema.Raw(k)})
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{System: systemPrompt, Instruction: text}, nil
}

// BuildStructurePrompt builds the question paper analysis prompt.
func BuildStructurePrompt() (Prompt, error) {
	return buildStage("structure", schema.Structure)
}

// BuildKeyPrompt builds the faculty key prompt. The structure travels as request context.
func BuildKeyPrompt() (Prompt, error) {
	return buildStage("faculty_key", schema.FacultyKey)
}

// BuildAnswersPrompt builds the student answer extraction prompt.
func BuildAnswersPrompt() (Prompt, error) {
	return buildStage("student_answers", schema.StudentAnswers)
}

// BuildGradePrompt builds a grading prompt using the specified variant.
// Student text is sanitized before it is embedded.
func BuildGradePrompt(variant PromptVariant, items []GradeItem) (Prompt, error) {
	if err := load(); err != nil {
		return Prompt{}, fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := gradeTemplates[variant]
	if !ok {
		return Prompt{}, errors.New("invalid prompt variant: " + string(variant))
	}

	sanitized := make([]GradeItem, len(items))
	for i, it := range items {
		it.Answer = sanitizeAnswer(it.Answer)
		sanitized[i] = it
	}

	text, err := render(tmpl, gradeData{Items: sanitized, Schema: schema.Raw(schema.ReportCard)})
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{System: systemPrompt, Instruction: text}, nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > 10000 {
		runes := []rune(answer)
		runes = runes[:10000]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
