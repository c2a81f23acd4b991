package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Turn is one processed question as written to the turn log.
type Turn struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	CreatedAt  time.Time     `json:"created_at"`
	Question   string        `json:"question"`
	Category   string        `json:"category"`
	Confidence float64       `json:"confidence"`
	Method     string        `json:"method"`
	FollowUp   bool          `json:"follow_up"`
	Query      string        `json:"query,omitempty"`
	Success    bool          `json:"success"`
	Degraded   bool          `json:"degraded"`
	Stage      string        `json:"stage,omitempty"`
	RowCount   int           `json:"row_count"`
	Attempts   int           `json:"attempts"`
	Answer     string        `json:"answer"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// turnRow mirrors the turns table for scanning.
type turnRow struct {
	ID         string  `db:"id"`
	SessionID  string  `db:"session_id"`
	CreatedAt  string  `db:"created_at"`
	Question   string  `db:"question"`
	Category   string  `db:"category"`
	Confidence float64 `db:"confidence"`
	Method     string  `db:"method"`
	FollowUp   bool    `db:"follow_up"`
	Query      string  `db:"query"`
	Success    bool    `db:"success"`
	Degraded   bool    `db:"degraded"`
	Stage      string  `db:"stage"`
	RowCount   int     `db:"row_count"`
	Attempts   int     `db:"attempts"`
	Answer     string  `db:"answer"`
	Error      string  `db:"error"`
	DurationMS int64   `db:"duration_ms"`
}

func (r turnRow) turn() (Turn, error) {
	created, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return Turn{}, err
	}
	return Turn{
		ID:         r.ID,
		SessionID:  r.SessionID,
		CreatedAt:  created,
		Question:   r.Question,
		Category:   r.Category,
		Confidence: r.Confidence,
		Method:     r.Method,
		FollowUp:   r.FollowUp,
		Query:      r.Query,
		Success:    r.Success,
		Degraded:   r.Degraded,
		Stage:      r.Stage,
		RowCount:   r.RowCount,
		Attempts:   r.Attempts,
		Answer:     r.Answer,
		Error:      r.Error,
		Duration:   time.Duration(r.DurationMS) * time.Millisecond,
	}, nil
}

// SessionInfo summarizes a persisted session.
type SessionInfo struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}
