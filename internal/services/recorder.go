package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soaringjerry/persuasion/internal/models"
)

// ResultColumns is the named column layout of the results table, in insert order.
var ResultColumns = func() []string {
	cols := []string{
		"prolific_pid", "study_id", "session_id",
		"start_time", "end_time", "total_time",
		"condition",
	}
	for _, k := range models.AttributeKeys {
		cols = append(cols, string(k))
	}
	cols = append(cols, "attention_check", "issue_stance", "model_prompt", "message", "number_attributes_targeted")
	for _, k := range models.AttributeKeys {
		cols = append(cols, string(k)+"_targeted")
	}
	for i := 1; i <= models.MaxAnswers; i++ {
		cols = append(cols, fmt.Sprintf("answer_%d", i))
	}
	return append(cols, "meta_perception", "authorship")
}()

// ResultWriter persists one results row.
type ResultWriter interface {
	// ValidateColumns checks that the target table has every named column.
	ValidateColumns(ctx context.Context, columns []string) error
	// InsertRow writes values under columns in a single transaction.
	InsertRow(ctx context.Context, columns []string, values []any) error
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullablePtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// ResultRow flattens a session into values matching ResultColumns.
func ResultRow(s *models.ParticipantSession) []any {
	row := make([]any, 0, len(ResultColumns))
	row = append(row,
		nullable(s.ProlificPID), nullable(s.StudyID), nullable(s.PlatformSessionID),
		s.StartedAt, s.EndedAt, s.Elapsed().Seconds(),
		string(s.Condition),
	)
	for _, k := range models.AttributeKeys {
		v, _ := s.Attributes.Get(k)
		row = append(row, nullable(v))
	}
	row = append(row,
		string(s.AttentionCheck), s.IssueStance,
		nullable(s.ModelPrompt), nullable(s.Message), s.NumberAttributesTargeted,
	)
	for _, k := range models.AttributeKeys {
		row = append(row, s.Targeted.Has(k))
	}
	for i := 0; i < models.MaxAnswers; i++ {
		var v any
		if i < len(s.Answers) {
			v = s.Answers[i]
		}
		row = append(row, v)
	}
	return append(row, nullablePtr(s.MetaPerception), nullablePtr(s.Authorship))
}

// Recorder writes the final results row for a completed session.
type Recorder struct {
	writer ResultWriter
	logger *slog.Logger
}

func NewRecorder(writer ResultWriter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{writer: writer, logger: logger}
}

// Validate checks the live table against ResultColumns.
func (r *Recorder) Validate(ctx context.Context) error {
	return r.writer.ValidateColumns(ctx, ResultColumns)
}

// Record writes exactly one row. Failures wrap ErrRecordFailed.
func (r *Recorder) Record(ctx context.Context, s *models.ParticipantSession) error {
	if s == nil {
		return NewInvalidError("session required")
	}
	flags, err := models.TargetedFromKeys(s.SelectedKeys)
	if err != nil || flags != s.Targeted || s.NumberAttributesTargeted != len(s.SelectedKeys) {
		return NewInvalidError("targeting metadata is inconsistent")
	}
	if err := r.writer.InsertRow(ctx, ResultColumns, ResultRow(s)); err != nil {
		r.logger.Error("record results row failed", "session", s.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrRecordFailed, err)
	}
	r.logger.Info("results row recorded", "session", s.ID, "condition", s.Condition)
	return nil
}
