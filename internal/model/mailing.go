package model

import (
	"errors"
	"time"
)

var ErrInvalidWindow = errors.New("finish_at must not be before start_at")

type Mailing struct {
	ID                 int64      `json:"id"`
	StartAt            time.Time  `json:"start_at"`
	StartedAt          *time.Time `json:"started_at"`
	FinishAt           *time.Time `json:"finish_at"`
	Content            string     `json:"content"`
	MobileOperatorCode string     `json:"mobile_operator_code"`
	Tag                string     `json:"tag"`
}

func (m *Mailing) Validate() error {
	if m.FinishAt != nil && m.FinishAt.Before(m.StartAt) {
		return ErrInvalidWindow
	}
	return nil
}

// Open reports whether now falls inside [StartAt, FinishAt).
func (m *Mailing) Open(now time.Time) bool {
	if m.StartAt.After(now) {
		return false
	}
	return m.FinishAt == nil || m.FinishAt.After(now)
}

// Overdue reports whether the mailing window closed before now.
func (m *Mailing) Overdue(now time.Time) bool {
	return m.FinishAt != nil && m.FinishAt.Before(now)
}

func (m *Mailing) Audience() AudienceFilter {
	return AudienceFilter{MobileOperatorCode: m.MobileOperatorCode, Tag: m.Tag}
}

// AudienceFilter selects clients. An empty field places no constraint on that
// dimension.
type AudienceFilter struct {
	MobileOperatorCode string
	Tag                string
}

func (f AudienceFilter) Match(c Client) bool {
	if f.MobileOperatorCode != "" && c.MobileOperatorCode != f.MobileOperatorCode {
		return false
	}
	if f.Tag != "" && c.Tag != f.Tag {
		return false
	}
	return true
}
