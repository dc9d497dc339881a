// Package memory is an in-process implementation of repo.Store.
//
// Row locks are emulated with one single-slot semaphore per mailing id, so a
// second LockPendingMailing for the same id blocks until the first
// transaction commits or rolls back. Intended for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
	"github.com/LeventeLantos/automatic-mailing/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Fault names accepted by SetFault.
const (
	FaultCreateMessages = "create_messages"
	FaultMarkStarted    = "mark_started"
	FaultUpdateStatuses = "update_statuses"
	FaultOpenMailings   = "open_mailings"
	FaultPing           = "ping"
)

type Store struct {
	mu sync.RWMutex

	mailings map[int64]*model.Mailing
	clients  map[int64]*model.Client
	messages map[int64]*model.Message

	lastMailingID int64
	lastClientID  int64
	lastMessageID int64

	locksMu sync.Mutex
	locks   map[int64]chan struct{}

	faults map[string]error
}

func New() *Store {
	return &Store{
		mailings: make(map[int64]*model.Mailing),
		clients:  make(map[int64]*model.Client),
		messages: make(map[int64]*model.Message),
		locks:    make(map[int64]chan struct{}),
		faults:   make(map[string]error),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.fault(FaultPing); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Store) Close() error { return nil }

// SetFault makes the named operation return err until cleared with a nil err.
func (s *Store) SetFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faults[op]
}

// AddMailing stores a copy of m with a fresh id and returns the id.
func (s *Store) AddMailing(m model.Mailing) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMailingID++
	m.ID = s.lastMailingID
	s.mailings[m.ID] = &m
	return m.ID, nil
}

// AddClient stores a copy of c with a fresh id and returns the id.
func (s *Store) AddClient(c model.Client) int64 {
	if c.Timezone == "" {
		c.Timezone = model.DefaultTimezone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastClientID++
	c.ID = s.lastClientID
	s.clients[c.ID] = &c
	return c.ID
}

// AddMessage stores a copy of m with a fresh id. Its mailing and client must
// exist.
func (s *Store) AddMessage(m model.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailings[m.MailingID]; !ok {
		return 0, fmt.Errorf("memory: add message: %w", repo.ErrMailingNotFound)
	}
	if _, ok := s.clients[m.ClientID]; !ok {
		return 0, fmt.Errorf("memory: add message: client %d not found", m.ClientID)
	}
	if m.Status == "" {
		m.Status = model.Pending
	}
	s.lastMessageID++
	m.ID = s.lastMessageID
	s.messages[m.ID] = &m
	return m.ID, nil
}

func (s *Store) Mailing(id int64) (model.Mailing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mailings[id]
	if !ok {
		return model.Mailing{}, false
	}
	return *m, true
}

func (s *Store) Client(id int64) (model.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return model.Client{}, false
	}
	return *c, true
}

func (s *Store) Message(id int64) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}

// Messages returns copies of all messages of a mailing ordered by id.
func (s *Store) Messages(mailingID int64) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	for _, id := range s.sortedMessageIDs() {
		if m := s.messages[id]; m.MailingID == mailingID {
			out = append(out, *m)
		}
	}
	return out
}

func (s *Store) OpenMailingIDs(_ context.Context, now time.Time) ([]int64, error) {
	if err := s.fault(FaultOpenMailings); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, m := range s.mailings {
		if m.Open(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx repo.Tx) error) error {
	t := &tx{store: s}
	defer t.release()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) CancelOverdue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, msg := range s.messages {
		if msg.Status != model.Pending {
			continue
		}
		if m := s.mailings[msg.MailingID]; m != nil && m.Overdue(now) {
			msg.Status = model.Canceled
			n++
		}
	}
	return n, nil
}

func (s *Store) FetchOutstanding(_ context.Context, afterID int64, limit int) ([]model.Outbound, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("memory: fetch outstanding: limit must be > 0")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Outbound
	for _, id := range s.sortedMessageIDs() {
		if id <= afterID {
			continue
		}
		msg := s.messages[id]
		if msg.Status != model.Pending && msg.Status != model.Failed {
			continue
		}
		out = append(out, model.Outbound{
			ID:    msg.ID,
			Phone: s.clients[msg.ClientID].PhoneNumber,
			Text:  s.mailings[msg.MailingID].Content,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) UpdateStatuses(ctx context.Context, updates []repo.StatusUpdate, sentAt time.Time) error {
	if err := s.fault(FaultUpdateStatuses); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		msg, ok := s.messages[u.ID]
		if !ok {
			continue
		}
		at := sentAt
		msg.Status = u.Status
		msg.SentAt = &at
	}
	return nil
}

func (s *Store) ListMessages(_ context.Context, status model.Status, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Message
	skipped := 0
	for _, id := range s.sortedMessageIDs() {
		msg := s.messages[id]
		if status != "" && msg.Status != status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context, mailingIDs ...int64) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	selected := make(map[int64]bool)
	if len(mailingIDs) == 0 {
		for id := range s.mailings {
			selected[id] = true
		}
	} else {
		for _, id := range mailingIDs {
			if _, ok := s.mailings[id]; ok {
				selected[id] = true
			}
		}
		if len(selected) == 0 {
			return model.Stats{}, repo.ErrMailingNotFound
		}
	}

	st := model.Stats{Count: int64(len(selected)), MessageStatuses: model.NewStatusCounts()}
	for _, msg := range s.messages {
		if selected[msg.MailingID] {
			st.MessageStatuses[msg.Status]++
		}
	}
	return st, nil
}

// sortedMessageIDs must be called with s.mu held.
func (s *Store) sortedMessageIDs() []int64 {
	ids := make([]int64, 0, len(s.messages))
	for id := range s.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) rowLock(id int64) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[id] = l
	}
	return l
}
