package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type RecordType string

const (
	RecordIndividualAnswer RecordType = "individual_answer"
	RecordDetailedProgress RecordType = "detailed_progress"
	RecordSessionSummary   RecordType = "session_summary"
	RecordAggregated       RecordType = "aggregated"
)

// Synthetic question ids for rows that do not belong to a single question.
const (
	SessionSummaryQuestionID = "__session__"
	AggregatedQuestionID     = "__aggregate__"
)

// ProgressRow mirrors the progress table. Callers normally work with the typed
// Record returned by Decode instead of reading Metadata directly.
type ProgressRow struct {
	ID             string     `db:"id"`
	UserID         string     `db:"user_id"`
	ContentSetID   string     `db:"content_set_id"`
	QuestionID     string     `db:"question_id"`
	RecordType     RecordType `db:"record_type"`
	IsCorrect      bool       `db:"is_correct"`
	TimeSpent      int64      `db:"time_spent"`
	CompletedCount int64      `db:"completed_count"`
	CorrectCount   int64      `db:"correct_count"`
	LastAccessed   time.Time  `db:"last_accessed"`
	Metadata       string     `db:"metadata"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Record is the sum of the four progress variants. Each variant carries only
// the fields meaningful for it on top of the shared RecordKey.
type Record interface {
	Key() RecordKey
	Type() RecordType
}

type RecordKey struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	ContentSetID string    `json:"contentSetId"`
	LastAccessed time.Time `json:"lastAccessed"`
}

type IndividualAnswer struct {
	RecordKey
	QuestionID string `json:"questionId"`
	IsCorrect  bool   `json:"isCorrect"`
	TimeSpent  int64  `json:"timeSpent"`
}

type DetailedProgress struct {
	RecordKey
	QuestionID string          `json:"questionId"`
	IsCorrect  bool            `json:"isCorrect"`
	TimeSpent  int64           `json:"timeSpent"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type SessionSummaryMeta struct {
	LastSessionID string `json:"lastSessionId"`
	ItemCount     int    `json:"itemCount"`
}

type SessionSummary struct {
	RecordKey
	TotalTimeSpent     int64              `json:"totalTimeSpent"`
	CompletedQuestions int64              `json:"completedQuestions"`
	CorrectAnswers     int64              `json:"correctAnswers"`
	Meta               SessionSummaryMeta `json:"meta"`
}

type AggregatedMeta struct {
	TotalQuestions int64 `json:"totalQuestions"`
}

type Aggregated struct {
	RecordKey
	CompletedQuestions int64          `json:"completedQuestions"`
	CorrectAnswers     int64          `json:"correctAnswers"`
	TotalTimeSpent     int64          `json:"totalTimeSpent"`
	Meta               AggregatedMeta `json:"meta"`
}

func (r IndividualAnswer) Key() RecordKey { return r.RecordKey }
func (r DetailedProgress) Key() RecordKey { return r.RecordKey }
func (r SessionSummary) Key() RecordKey { return r.RecordKey }
func (r Aggregated) Key() RecordKey { return r.RecordKey }
func (IndividualAnswer) Type() RecordType { return RecordIndividualAnswer }
func (DetailedProgress) Type() RecordType { return RecordDetailedProgress }
func (SessionSummary) Type() RecordType { return RecordSessionSummary }
func (Aggregated) Type() RecordType { return RecordAggregated }

func (row ProgressRow) key() RecordKey {
	return RecordKey{
		ID:           row.ID,
		UserID:       row.UserID,
		ContentSetID: row.ContentSetID,
		LastAccessed: row.LastAccessed,
	}
}

// Decode turns a stored row into its typed variant.
func (row ProgressRow) Decode() (Record, error) {
	switch row.RecordType {
	case RecordIndividualAnswer:
		return IndividualAnswer{
			RecordKey:  row.key(),
			QuestionID: row.QuestionID,
			IsCorrect:  row.IsCorrect,
			TimeSpent:  row.TimeSpent,
		}, nil
	case RecordDetailedProgress:
		var meta json.RawMessage
		if row.Metadata != "" && row.Metadata != "{}" {
			meta = json.RawMessage(row.Metadata)
		}
		return DetailedProgress{
			RecordKey:  row.key(),
			QuestionID: row.QuestionID,
			IsCorrect:  row.IsCorrect,
			TimeSpent:  row.TimeSpent,
			Metadata:   meta,
		}, nil
	case RecordSessionSummary:
		var meta SessionSummaryMeta
		if err := unmarshalMeta(row.Metadata, &meta); err != nil {
			return nil, err
		}
		return SessionSummary{
			RecordKey:          row.key(),
			TotalTimeSpent:     row.TimeSpent,
			CompletedQuestions: row.CompletedCount,
			CorrectAnswers:     row.CorrectCount,
			Meta:               meta,
		}, nil
	case RecordAggregated:
		var meta AggregatedMeta
		if err := unmarshalMeta(row.Metadata, &meta); err != nil {
			return nil, err
		}
		return Aggregated{
			RecordKey:          row.key(),
			CompletedQuestions: row.CompletedCount,
			CorrectAnswers:     row.CorrectCount,
			TotalTimeSpent:     row.TimeSpent,
			Meta:               meta,
		}, nil
	}
	return nil, fmt.Errorf("unknown record type %q", row.RecordType)
}

// Row is the inverse of Decode.
func Row(record Record) (ProgressRow, error) {
	key := record.Key()
	row := ProgressRow{
		ID:           key.ID,
		UserID:       key.UserID,
		ContentSetID: key.ContentSetID,
		RecordType:   record.Type(),
		LastAccessed: key.LastAccessed,
		Metadata:     "{}",
	}
	switch r := record.(type) {
	case IndividualAnswer:
		row.QuestionID = r.QuestionID
		row.IsCorrect = r.IsCorrect
		row.TimeSpent = r.TimeSpent
	case DetailedProgress:
		row.QuestionID = r.QuestionID
		row.IsCorrect = r.IsCorrect
		row.TimeSpent = r.TimeSpent
		if len(r.Metadata) > 0 {
			row.Metadata = string(r.Metadata)
		}
	case SessionSummary:
		row.QuestionID = SessionSummaryQuestionID
		row.TimeSpent = r.TotalTimeSpent
		row.CompletedCount = r.CompletedQuestions
		row.CorrectCount = r.CorrectAnswers
		raw, err := json.Marshal(r.Meta)
		if err != nil {
			return ProgressRow{}, err
		}
		row.Metadata = string(raw)
	case Aggregated:
		row.QuestionID = AggregatedQuestionID
		row.TimeSpent = r.TotalTimeSpent
		row.CompletedCount = r.CompletedQuestions
		row.CorrectCount = r.CorrectAnswers
		raw, err := json.Marshal(r.Meta)
		if err != nil {
			return ProgressRow{}, err
		}
		row.Metadata = string(raw)
	default:
		return ProgressRow{}, fmt.Errorf("unsupported record %T", record)
	}
	return row, nil
}

func unmarshalMeta(raw string, dst interface{}) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode progress metadata: %w", err)
	}
	return nil
}
