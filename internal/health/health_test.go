package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("down") }})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	pass := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("no master calls") }

	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "engine", Check: pass}, {Name: "master_calls", Check: pass}},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"engine": "ok", "master_calls": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{{Name: "engine", Check: pass}, {Name: "master_calls", Check: fail}},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"engine": "ok", "master_calls": "fail: no master calls"},
		},
		{
			name:       "all fail",
			checkers:   []Checker{{Name: "engine", Check: fail}, {Name: "master_calls", Check: fail}},
			wantStatus: http.StatusServiceUnavailable,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			New(tc.checkers...).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			body := decode(t, rec)
			for name, want := range tc.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("checks[%q] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	// Each checker waits until both have started.
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(ctx context.Context) error {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("checkers ran sequentially")
		}
	}
	h := New(Checker{Name: "a", Check: barrier}, Checker{Name: "b", Check: barrier})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestEngineChecker(t *testing.T) {
	t.Parallel()

	closed := false
	c := EngineChecker(func() bool { return closed })
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("open engine: %v", err)
	}
	closed = true
	if err := c.Check(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed engine error = %v, want ErrClosed", err)
	}
}

func TestMasterCallsChecker(t *testing.T) {
	t.Parallel()

	loaded := map[string]bool{"elk_bugle": true}
	has := func(id string) bool { return loaded[id] }

	if err := MasterCallsChecker(has).Check(context.Background()); err != nil {
		t.Errorf("no requirements: %v", err)
	}
	if err := MasterCallsChecker(has, "elk_bugle").Check(context.Background()); err != nil {
		t.Errorf("loaded requirement: %v", err)
	}
	err := MasterCallsChecker(has, "elk_bugle", "turkey_gobble").Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "turkey_gobble") {
		t.Errorf("error = %v, want missing turkey_gobble", err)
	}
}
