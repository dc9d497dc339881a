package model

import (
	"bytes"
	"encoding/json"
)

// StatusCounts holds one counter per status. It marshals as an object whose
// keys follow Statuses order, zero counts included.
type StatusCounts map[Status]int64

func NewStatusCounts() StatusCounts {
	c := make(StatusCounts, len(Statuses))
	for _, s := range Statuses {
		c[s] = 0
	}
	return c
}

func (c StatusCounts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range Statuses {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(string(s))
		v, _ := json.Marshal(c[s])
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type Stats struct {
	Count           int64        `json:"count"`
	MessageStatuses StatusCounts `json:"message_statuses"`
}
