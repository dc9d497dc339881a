package model

import "time"

type Status string

const (
	Pending  Status = "Pending"
	Succeed  Status = "Succeed"
	Failed   Status = "Failed"
	Canceled Status = "Canceled"
)

// Statuses lists every message status in reporting order.
var Statuses = []Status{Pending, Succeed, Failed, Canceled}

func (s Status) Valid() bool {
	switch s {
	case Pending, Succeed, Failed, Canceled:
		return true
	}
	return false
}

type Message struct {
	ID        int64      `json:"id"`
	MailingID int64      `json:"mailing"`
	ClientID  int64      `json:"client"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at"`
	Status    Status     `json:"status"`
}

// Outbound is a message joined with its recipient phone and mailing content.
type Outbound struct {
	ID    int64  `json:"id"`
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

// Outcome is the delivery result for one outbound message.
type Outcome struct {
	ID      int64
	Success bool
}

func (o Outcome) Status() Status {
	if o.Success {
		return Succeed
	}
	return Failed
}
