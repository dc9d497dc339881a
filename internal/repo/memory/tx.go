package memory

import (
	"context"
	"sort"
	"time"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
)

type pendingMessage struct {
	mailingID int64
	clientID  int64
	createdAt time.Time
}

type tx struct {
	store *Store

	held     []chan struct{}
	messages []pendingMessage
	started  map[int64]time.Time
}

func (t *tx) LockPendingMailing(ctx context.Context, id int64) (*model.Mailing, bool, error) {
	l := t.store.rowLock(id)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	m, ok := t.store.Mailing(id)
	if !ok || m.StartedAt != nil {
		<-l
		return nil, false, nil
	}
	t.held = append(t.held, l)
	return &m, true, nil
}

func (t *tx) SelectAudience(_ context.Context, f model.AudienceFilter) ([]int64, error) {
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, c := range s.clients {
		if f.Match(*c) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *tx) CreateMessages(_ context.Context, mailingID int64, clientIDs []int64, createdAt time.Time) error {
	if err := t.store.fault(FaultCreateMessages); err != nil {
		return err
	}
	for _, cid := range clientIDs {
		t.messages = append(t.messages, pendingMessage{mailingID: mailingID, clientID: cid, createdAt: createdAt})
	}
	return nil
}

func (t *tx) MarkStarted(_ context.Context, mailingID int64, at time.Time) error {
	if err := t.store.fault(FaultMarkStarted); err != nil {
		return err
	}
	if t.started == nil {
		t.started = make(map[int64]time.Time)
	}
	t.started[mailingID] = at
	return nil
}

func (t *tx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pm := range t.messages {
		s.lastMessageID++
		s.messages[s.lastMessageID] = &model.Message{
			ID:        s.lastMessageID,
			MailingID: pm.mailingID,
			ClientID:  pm.clientID,
			CreatedAt: pm.createdAt,
			Status:    model.Pending,
		}
	}
	for id, at := range t.started {
		if m, ok := s.mailings[id]; ok {
			at := at
			m.StartedAt = &at
		}
	}
}

func (t *tx) release() {
	for _, l := range t.held {
		<-l
	}
	t.held = nil
}
