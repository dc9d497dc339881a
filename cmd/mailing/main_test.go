package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/automatic-mailing/internal/config"
	"github.com/LeventeLantos/automatic-mailing/internal/model"
	"github.com/LeventeLantos/automatic-mailing/internal/repo/memory"
)

func testConfig(sendURL string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Address: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Store: config.StoreMemory},
		Trigger:  config.TriggerConfig{Interval: time.Second},
		Dispatch: config.DispatchConfig{BatchSize: 2},
		SendAPI: config.SendAPIConfig{
			URL:           sendURL,
			Token:         "token",
			RatePerSecond: 50,
			Timeout:       time.Second,
		},
		Activation: config.ActivationConfig{Workers: 2},
		Log:        config.LogConfig{Level: "debug", Format: "json"},
	}
}

func TestApp_ActivatesAndDispatchesEndToEnd(t *testing.T) {
	var posts atomic.Int64
	sendAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/v1/send/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer sendAPI.Close()

	mr := miniredis.RunT(t)
	cfg := testConfig(sendAPI.URL)
	cfg.Redis = config.RedisConfig{Enabled: true, Address: mr.Addr(), TTL: time.Minute}

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	defer a.close()

	store := a.store.(*memory.Store)
	for i := 0; i < 3; i++ {
		store.AddClient(model.Client{PhoneNumber: fmt.Sprintf("7900000000%d", i+1), Tag: "vip"})
	}
	store.AddClient(model.Client{PhoneNumber: "79000000009", Tag: "regular"})
	mid, err := store.AddMailing(model.Mailing{StartAt: time.Now().Add(-time.Minute), Content: "hi", Tag: "vip"})
	if err != nil {
		t.Fatalf("AddMailing() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx) }()

	deadline := time.Now().Add(8 * time.Second)
	for {
		msgs := store.Messages(mid)
		succeeded, cached := 0, 0
		for _, m := range msgs {
			if m.Status == model.Succeed {
				succeeded++
			}
			if mr.Exists("msg:" + strconv.FormatInt(m.ID, 10)) {
				cached++
			}
		}
		if len(msgs) == 3 && succeeded == 3 && cached == 3 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("timed out waiting for delivery and cached outcomes, messages=%+v", msgs)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if mr.Exists(dispatchLockKey) {
		// The lock may be held by a run in progress; it must carry a TTL.
		if ttl := mr.TTL(dispatchLockKey); ttl <= 0 {
			t.Fatalf("dispatch lock without TTL")
		}
	}

	rr := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/trigger/status", nil))
	if !strings.Contains(rr.Body.String(), `"running":true`) {
		t.Fatalf("expected triggers running, got %s", rr.Body.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve() did not return after cancel")
	}

	if a.triggers.IsRunning() {
		t.Fatalf("expected triggers stopped after shutdown")
	}
	if got := posts.Load(); got != 3 {
		t.Fatalf("expected exactly 3 posts, got %d", got)
	}
}

func TestApp_ServeReportsListenError(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Server.Address = "127.0.0.1:-1"

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	defer a.close()

	done := make(chan error, 1)
	go func() { done <- a.serve(context.Background()) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "http server") {
			t.Fatalf("expected http server error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve() did not fail on a bad address")
	}
}

func TestOpenStore_InvalidPostgresURL(t *testing.T) {
	_, err := openStore(context.Background(), config.DatabaseConfig{
		Store:       config.StorePostgres,
		PostgresURL: "postgres://%zz",
	}, zerolog.Nop())
	if err == nil {
		t.Fatalf("expected error for malformed url")
	}
}
