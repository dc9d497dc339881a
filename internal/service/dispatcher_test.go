package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automatic-mailing/internal/client"
	"github.com/LeventeLantos/automatic-mailing/internal/clock"
	"github.com/LeventeLantos/automatic-mailing/internal/model"
	"github.com/LeventeLantos/automatic-mailing/internal/repo/memory"
	"github.com/LeventeLantos/automatic-mailing/internal/service"
)

type fakeSender struct {
	mu      sync.Mutex
	batches [][]model.Outbound
	succeed func(model.Outbound) bool
}

func (f *fakeSender) SendBatch(_ context.Context, msgs []model.Outbound) []model.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, append([]model.Outbound(nil), msgs...))
	out := make([]model.Outcome, len(msgs))
	for i, m := range msgs {
		ok := true
		if f.succeed != nil {
			ok = f.succeed(m)
		}
		out[i] = model.Outcome{ID: m.ID, Success: ok}
	}
	return out
}

func (f *fakeSender) sentIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, b := range f.batches {
		for _, m := range b {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

type fakeGuard struct {
	held       bool
	acquireErr error
	acquired   int
	released   int
}

func (g *fakeGuard) TryAcquire(context.Context) (bool, error) {
	if g.acquireErr != nil {
		return false, g.acquireErr
	}
	if g.held {
		return false, nil
	}
	g.acquired++
	return true, nil
}

func (g *fakeGuard) Release(context.Context) error {
	g.released++
	return nil
}

// seedPending creates one activated mailing and n Pending messages for it.
func seedPending(t *testing.T, s *memory.Store, n int, finishAt *time.Time) (int64, []int64) {
	t.Helper()
	mid := addMailing(t, s, model.Mailing{
		StartAt:   now.Add(-time.Hour),
		StartedAt: ptr(now.Add(-time.Hour)),
		FinishAt:  finishAt,
		Content:   "hello",
	})
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		cid := s.AddClient(model.Client{PhoneNumber: fmt.Sprintf("790000000%02d", i)})
		ids = append(ids, addMessage(t, s, model.Message{MailingID: mid, ClientID: cid, CreatedAt: now.Add(-time.Hour)}))
	}
	return mid, ids
}

func TestDispatcher_CancelsOverdueBeforeSending(t *testing.T) {
	t.Parallel()

	s := memory.New()
	_, overdue := seedPending(t, s, 1, ptr(now.Add(-time.Minute)))
	_, due := seedPending(t, s, 1, nil)

	sender := &fakeSender{}
	d := service.NewDispatcher(s, sender, clock.NewFixed(now), zerolog.Nop())

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Canceled != 1 || res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	for _, id := range sender.sentIDs() {
		if id == overdue[0] {
			t.Fatalf("overdue message %d must never be submitted", id)
		}
	}

	if m, _ := s.Message(overdue[0]); m.Status != model.Canceled || m.SentAt != nil {
		t.Fatalf("expected Canceled without sent_at, got %+v", m)
	}
	if m, _ := s.Message(due[0]); m.Status != model.Succeed || m.SentAt == nil || !m.SentAt.Equal(now) {
		t.Fatalf("expected Succeed at %v, got %+v", now, m)
	}
}

func TestDispatcher_RetriesFailedOnNextRun(t *testing.T) {
	t.Parallel()

	s := memory.New()
	_, ids := seedPending(t, s, 2, nil)

	healthy := false
	sender := &fakeSender{succeed: func(model.Outbound) bool { return healthy }}
	clk := clock.NewFixed(now)
	d := service.NewDispatcher(s, sender, clk, zerolog.Nop())

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if res.Failed != 2 {
		t.Fatalf("expected 2 failures, got %+v", res)
	}
	for _, id := range ids {
		if m, _ := s.Message(id); m.Status != model.Failed || !m.SentAt.Equal(now) {
			t.Fatalf("expected Failed at %v, got %+v", now, m)
		}
	}

	healthy = true
	clk.Advance(10 * time.Second)
	res, err = d.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if res.Succeeded != 2 {
		t.Fatalf("expected 2 successes on retry, got %+v", res)
	}
	for _, id := range ids {
		if m, _ := s.Message(id); m.Status != model.Succeed || !m.SentAt.Equal(now.Add(10*time.Second)) {
			t.Fatalf("expected Succeed at retry time, got %+v", m)
		}
	}

	res, err = d.Run(context.Background())
	if err != nil {
		t.Fatalf("third Run() error: %v", err)
	}
	if res.Batches != 0 {
		t.Fatalf("succeeded messages must not be sent again, got %+v", res)
	}
}

func TestDispatcher_PagesByBatchSize(t *testing.T) {
	t.Parallel()

	s := memory.New()
	seedPending(t, s, 5, nil)

	sender := &fakeSender{}
	d := service.NewDispatcher(s, sender, clock.NewFixed(now), zerolog.Nop(), service.WithBatchSize(2))

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Batches != 3 || res.Succeeded != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}

	sizes := make([]int, 0, len(sender.batches))
	for _, b := range sender.batches {
		sizes = append(sizes, len(b))
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Fatalf("expected batch sizes [2 2 1], got %v", sizes)
	}
}

func TestDispatcher_FailingEndpointSendsEachMessageOncePerRun(t *testing.T) {
	t.Parallel()

	s := memory.New()
	_, ids := seedPending(t, s, 5, nil)

	sender := &fakeSender{succeed: func(model.Outbound) bool { return false }}
	d := service.NewDispatcher(s, sender, clock.NewFixed(now), zerolog.Nop(), service.WithBatchSize(2))

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Failed != 5 || res.Batches != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	sent := sender.sentIDs()
	if len(sent) != len(ids) {
		t.Fatalf("expected %d submissions, got %d", len(ids), len(sent))
	}
}

func TestDispatcher_PersistFailureAbortsRun(t *testing.T) {
	t.Parallel()

	s := memory.New()
	_, ids := seedPending(t, s, 3, nil)

	boom := errors.New("write failed")
	s.SetFault(memory.FaultUpdateStatuses, boom)

	d := service.NewDispatcher(s, &fakeSender{}, clock.NewFixed(now), zerolog.Nop())
	if _, err := d.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped persist error, got %v", err)
	}
	for _, id := range ids {
		if m, _ := s.Message(id); m.Status != model.Pending {
			t.Fatalf("expected message %d to stay Pending, got %s", id, m.Status)
		}
	}
}

func TestDispatcher_OutcomeHookSeesSuccessesOnly(t *testing.T) {
	t.Parallel()

	s := memory.New()
	_, ids := seedPending(t, s, 3, nil)

	sender := &fakeSender{succeed: func(m model.Outbound) bool { return m.ID != ids[1] }}

	var seen []int64
	hook := func(_ context.Context, id int64, status model.Status, sentAt time.Time) error {
		if status != model.Succeed || !sentAt.Equal(now) {
			t.Errorf("unexpected hook call: %d %s %v", id, status, sentAt)
		}
		seen = append(seen, id)
		return errors.New("cache unavailable")
	}

	d := service.NewDispatcher(s, sender, clock.NewFixed(now), zerolog.Nop(), service.WithOutcomeHook(hook))
	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("hook errors must not fail the run, got %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(seen) != 2 || seen[0] != ids[0] || seen[1] != ids[2] {
		t.Fatalf("expected hook for [%d %d], got %v", ids[0], ids[2], seen)
	}
}

func TestDispatcher_RunGuard(t *testing.T) {
	t.Parallel()

	t.Run("held lock skips run", func(t *testing.T) {
		s := memory.New()
		seedPending(t, s, 1, nil)
		sender := &fakeSender{}
		g := &fakeGuard{held: true}

		d := service.NewDispatcher(s, sender, clock.NewFixed(now), zerolog.Nop(), service.WithRunGuard(g))
		res, err := d.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		if !res.Skipped || len(sender.batches) != 0 {
			t.Fatalf("expected skipped run without sends, got %+v", res)
		}
		if g.released != 0 {
			t.Fatalf("lock not acquired must not be released")
		}
	})

	t.Run("acquired lock is released", func(t *testing.T) {
		s := memory.New()
		seedPending(t, s, 1, nil)
		g := &fakeGuard{}

		d := service.NewDispatcher(s, &fakeSender{}, clock.NewFixed(now), zerolog.Nop(), service.WithRunGuard(g))
		if _, err := d.Run(context.Background()); err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		if g.acquired != 1 || g.released != 1 {
			t.Fatalf("expected one acquire and one release, got %+v", g)
		}
	})

	t.Run("acquire error", func(t *testing.T) {
		boom := errors.New("redis down")
		d := service.NewDispatcher(memory.New(), &fakeSender{}, clock.NewFixed(now), zerolog.Nop(),
			service.WithRunGuard(&fakeGuard{acquireErr: boom}))
		if _, err := d.Run(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("expected acquire error, got %v", err)
		}
	})
}

func TestDispatcher_CanceledContextStopsDraining(t *testing.T) {
	t.Parallel()

	s := memory.New()
	seedPending(t, s, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{succeed: func(model.Outbound) bool {
		cancel()
		return true
	}}

	d := service.NewDispatcher(s, sender, clock.NewFixed(now), zerolog.Nop(), service.WithBatchSize(1))
	res, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Batches != 1 {
		t.Fatalf("expected drain to stop after the first batch, got %+v", res)
	}
}

func TestDispatcher_PersistsDeliveredBatchAfterCancel(t *testing.T) {
	t.Parallel()

	s := memory.New()
	_, ids := seedPending(t, s, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{succeed: func(model.Outbound) bool {
		cancel()
		return true
	}}

	var hooked []int64
	d := service.NewDispatcher(s, sender, clock.NewFixed(now), zerolog.Nop(),
		service.WithOutcomeHook(func(ctx context.Context, id int64, _ model.Status, _ time.Time) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			hooked = append(hooked, id)
			return nil
		}),
	)

	if _, err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for _, id := range ids {
		if m, _ := s.Message(id); m.Status != model.Succeed || m.SentAt == nil {
			t.Fatalf("message %d: expected delivered status to be persisted, got %+v", id, m)
		}
	}
	if len(hooked) != len(ids) {
		t.Fatalf("expected hook for %d deliveries, got %v", len(ids), hooked)
	}

	// Nothing is left for the next run to send again.
	next := &fakeSender{}
	if _, err := service.NewDispatcher(s, next, clock.NewFixed(now), zerolog.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := next.sentIDs(); len(got) != 0 {
		t.Fatalf("expected no resends, got %v", got)
	}
}

func TestEngine_ActivateAndDispatchThroughSendAPI(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received = map[int64]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			ID    int64  `json:"id"`
			Phone string `json:"phone"`
			Text  string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received[body.ID] = body.Phone
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memory.New()
	s.AddClient(model.Client{PhoneNumber: "79000000001", Tag: "vip"})
	s.AddClient(model.Client{PhoneNumber: "79000000002", Tag: "vip"})
	s.AddClient(model.Client{PhoneNumber: "79000000003", Tag: "regular"})
	mid := addMailing(t, s, model.Mailing{StartAt: now.Add(-time.Minute), Content: "sale", Tag: "vip"})

	clk := clock.NewFixed(now)
	ctx := context.Background()

	q := &recordingQueue{}
	if err := service.NewMailingScheduler(s, q, clk, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("scheduler Run() error: %v", err)
	}
	activator := service.NewActivator(s, clk, zerolog.Nop())
	for _, id := range q.enqueued() {
		if err := activator.Activate(ctx, id); err != nil {
			t.Fatalf("Activate() error: %v", err)
		}
	}

	sendClient := client.NewMailingClient(srv.URL, "secret", client.NewLimiter(100))
	clk.Advance(time.Second)
	res, err := service.NewDispatcher(s, sendClient, clk, zerolog.Nop()).Run(ctx)
	if err != nil {
		t.Fatalf("dispatcher Run() error: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	sentAt := now.Add(time.Second)
	msgs := s.Messages(mid)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Status != model.Succeed || m.SentAt == nil || !m.SentAt.Equal(sentAt) {
			t.Fatalf("unexpected message: %+v", m)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", received)
	}
	for _, phone := range received {
		if phone == "79000000003" {
			t.Fatalf("non-matching client must not receive the mailing")
		}
	}
}
