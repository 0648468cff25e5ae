package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/pavelanni/autograder/internal/model"
)

// SetMetadata upserts a key-value pair in the exam_metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exam_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM exam_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetExamInfo stores all ExamInfo fields as metadata rows. Empty fields
// leave the stored value unchanged.
func (s *Store) SetExamInfo(ctx context.Context, info model.ExamInfo) error {
	pairs := []struct{ k, v string }{
		{"exam_id", info.ExamID},
		{"subject", info.Subject},
		{"date", info.Date},
		{"grading_policy", info.GradingPolicy},
	}
	if info.NumQuestions > 0 {
		pairs = append(pairs, struct{ k, v string }{"num_questions", strconv.Itoa(info.NumQuestions)})
	}
	for _, p := range pairs {
		if p.v == "" {
			continue
		}
		if err := s.SetMetadata(ctx, p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// GetExamInfo reads all ExamInfo fields from metadata.
func (s *Store) GetExamInfo(ctx context.Context) (model.ExamInfo, error) {
	var info model.ExamInfo
	var err error

	if info.ExamID, err = s.GetMetadata(ctx, "exam_id"); err != nil {
		return info, err
	}
	if info.Subject, err = s.GetMetadata(ctx, "subject"); err != nil {
		return info, err
	}
	if info.Date, err = s.GetMetadata(ctx, "date"); err != nil {
		return info, err
	}
	if info.GradingPolicy, err = s.GetMetadata(ctx, "grading_policy"); err != nil {
		return info, err
	}
	nq, err := s.GetMetadata(ctx, "num_questions")
	if err != nil {
		return info, err
	}
	if nq != "" {
		info.NumQuestions, err = strconv.Atoi(nq)
		if err != nil {
			return info, err
		}
	}
	return info, nil
}
