package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Artifact file names, numbered by stage.
const (
	ArtifactStructure  = "output_1_structure.json"
	ArtifactFacultyKey = "output_2_faculty_key.json"
	ArtifactAnswers    = "output_3_student_extracted.json"
	ArtifactReport     = "output_4_final_report.json"
)

// ArtifactNames lists the artifacts of a successful run in stage order.
var ArtifactNames = []string{ArtifactStructure, ArtifactFacultyKey, ArtifactAnswers, ArtifactReport}

// IsArtifactName reports whether name is one of the stage artifacts.
func IsArtifactName(name string) bool {
	for _, n := range ArtifactNames {
		if n == name {
			return true
		}
	}
	return false
}

// ArtifactSink receives the pretty-printed JSON output of each stage.
type ArtifactSink interface {
	SaveArtifact(ctx context.Context, runID, name string, data []byte) error
}

// DirSink writes artifacts to a directory. Unless Flat is set, every run gets
// its own subdirectory named by run id.
type DirSink struct {
	Dir  string
	Flat bool
}

func (s DirSink) SaveArtifact(_ context.Context, runID, name string, data []byte) error {
	dir := s.Dir
	if !s.Flat {
		dir = filepath.Join(dir, runID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return nil
}

// MultiSink writes every artifact to all of its sinks.
type MultiSink []ArtifactSink

func (m MultiSink) SaveArtifact(ctx context.Context, runID, name string, data []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveArtifact(ctx, runID, name, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
