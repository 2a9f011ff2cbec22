// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memogarden/hacm/lib/clock"
	"github.com/memogarden/hacm/lib/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, fakeClock *clock.FakeClock) *store.Store {
	t.Helper()
	dir := t.TempDir()

	machineIDPath := filepath.Join(dir, "machine-id")
	if err := os.WriteFile(machineIDPath, []byte("9a8b7c6d5e4f30211203f4e5d6c7b8a9\n"), 0o600); err != nil {
		t.Fatalf("writing machine-id fixture: %v", err)
	}

	s := store.New(store.Options{
		Path:          filepath.Join(dir, "credentials.enc"),
		MachineIDPath: machineIDPath,
		StaticSalt:    []byte("test-static-salt"),
		Clock:         fakeClock,
		Logger:        discardLogger(),
	})
	if err := s.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func putExpiring(t *testing.T, s *store.Store, id string, expiry time.Time) {
	t.Helper()
	err := s.Put(id, store.Credential{
		Kind:   store.KindOAuthRefreshToken,
		Value:  "original-token",
		Expiry: &expiry,
	})
	if err != nil {
		t.Fatalf("Put %q failed: %v", id, err)
	}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(now)
	s := newTestStore(t, fakeClock)
	coordinator := New(s, Options{Lookahead: 10 * time.Minute, Clock: fakeClock, Logger: discardLogger()})

	putExpiring(t, s, "soon", now.Add(5*time.Minute))
	putExpiring(t, s, "later", now.Add(time.Hour))
	if err := s.Put("forever", store.Credential{Kind: store.KindOpaqueSecret, Value: "v"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	cases := []struct {
		id   string
		want bool
	}{
		{"soon", true},
		{"later", false},
		{"forever", false},
	}
	for _, testCase := range cases {
		got, err := coordinator.NeedsRefresh(testCase.id)
		if err != nil {
			t.Fatalf("NeedsRefresh(%q) failed: %v", testCase.id, err)
		}
		if got != testCase.want {
			t.Errorf("NeedsRefresh(%q) = %v, want %v", testCase.id, got, testCase.want)
		}
	}

	// The clock moving forward changes the answer without any store
	// mutation.
	fakeClock.Advance(55 * time.Minute)
	got, err := coordinator.NeedsRefresh("later")
	if err != nil {
		t.Fatalf("NeedsRefresh failed: %v", err)
	}
	if !got {
		t.Error("credential inside the window after Advance not reported")
	}
}

func TestNeedsRefresh_UnknownID(t *testing.T) {
	fakeClock := clock.Fake(time.Now())
	s := newTestStore(t, fakeClock)
	coordinator := New(s, Options{Clock: fakeClock, Logger: discardLogger()})

	_, err := coordinator.NeedsRefresh("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefresh_SuccessPersists(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(now)
	s := newTestStore(t, fakeClock)
	coordinator := New(s, Options{Clock: fakeClock, Logger: discardLogger()})
	putExpiring(t, s, "github.oauth", now.Add(time.Minute))

	newExpiry := now.Add(time.Hour)
	refreshed, err := coordinator.Refresh(context.Background(), "github.oauth",
		func(ctx context.Context, current store.Credential) (store.Credential, error) {
			if current.Value != "original-token" {
				t.Errorf("RefreshFunc received wrong credential: %+v", current)
			}
			current.Value = "rotated-token"
			current.Expiry = &newExpiry
			return current, nil
		})
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.Value != "rotated-token" {
		t.Errorf("returned credential not refreshed: %+v", refreshed)
	}

	stored, ok, err := s.Get("github.oauth")
	if err != nil || !ok {
		t.Fatalf("Get after refresh: ok=%v err=%v", ok, err)
	}
	if stored.Value != "rotated-token" || stored.Expiry == nil || !stored.Expiry.Equal(newExpiry) {
		t.Errorf("store not updated: %+v", stored)
	}
}

func TestRefresh_SingleFlight(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(now)
	s := newTestStore(t, fakeClock)
	coordinator := New(s, Options{Clock: fakeClock, Logger: discardLogger()})
	putExpiring(t, s, "github.oauth", now.Add(time.Minute))

	var invocations atomic.Int32
	release := make(chan struct{})

	const callers = 10
	var wg sync.WaitGroup
	results := make([]store.Credential, callers)
	resultErrs := make([]error, callers)

	for index := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[index], resultErrs[index] = coordinator.Refresh(context.Background(), "github.oauth",
				func(ctx context.Context, current store.Credential) (store.Credential, error) {
					invocations.Add(1)
					<-release
					current.Value = "rotated-token"
					return current, nil
				})
		}()
	}

	// Give every caller time to reach the coordinator, then let the
	// single flight finish.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := invocations.Load(); got != 1 {
		t.Fatalf("expected exactly 1 RefreshFunc invocation, got %d", got)
	}
	for index := range callers {
		if resultErrs[index] != nil {
			t.Fatalf("caller %d failed: %v", index, resultErrs[index])
		}
		if results[index].Value != "rotated-token" {
			t.Errorf("caller %d got wrong result: %+v", index, results[index])
		}
		if !results[index].UpdatedAt.Equal(results[0].UpdatedAt) {
			t.Errorf("caller %d received a different snapshot than caller 0", index)
		}
	}
}

func TestRefresh_DifferentIDsIndependent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(now)
	s := newTestStore(t, fakeClock)
	coordinator := New(s, Options{Clock: fakeClock, Logger: discardLogger()})
	putExpiring(t, s, "first", now.Add(time.Minute))
	putExpiring(t, s, "second", now.Add(time.Minute))

	firstStarted := make(chan struct{})
	firstRelease := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coordinator.Refresh(context.Background(), "first",
			func(ctx context.Context, current store.Credential) (store.Credential, error) {
				close(firstStarted)
				<-firstRelease
				current.Value = "first-rotated"
				return current, nil
			})
	}()

	<-firstStarted

	// A refresh of a different ID completes while "first" is blocked.
	_, err := coordinator.Refresh(context.Background(), "second",
		func(ctx context.Context, current store.Credential) (store.Credential, error) {
			current.Value = "second-rotated"
			return current, nil
		})
	if err != nil {
		t.Fatalf("independent refresh blocked or failed: %v", err)
	}

	close(firstRelease)
	wg.Wait()
}

func TestRefresh_FailureLeavesStoreUntouched(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(now)
	s := newTestStore(t, fakeClock)
	coordinator := New(s, Options{Clock: fakeClock, Logger: discardLogger()})
	putExpiring(t, s, "github.oauth", now.Add(time.Minute))

	exchangeErr := errors.New("upstream said no")
	_, err := coordinator.Refresh(context.Background(), "github.oauth",
		func(ctx context.Context, current store.Credential) (store.Credential, error) {
			return store.Credential{}, exchangeErr
		})
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if !errors.Is(err, exchangeErr) {
		t.Fatalf("cause not preserved in %v", err)
	}

	stored, _, _ := s.Get("github.oauth")
	if stored.Value != "original-token" {
		t.Errorf("failed refresh mutated the store: %+v", stored)
	}

	// The ID is idle again: a second refresh may run.
	_, err = coordinator.Refresh(context.Background(), "github.oauth",
		func(ctx context.Context, current store.Credential) (store.Credential, error) {
			current.Value = "rotated-token"
			return current, nil
		})
	if err != nil {
		t.Fatalf("refresh after failure did not run: %v", err)
	}
}

func TestRefresh_Timeout(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(now)
	s := newTestStore(t, fakeClock)
	coordinator := New(s, Options{Timeout: 50 * time.Millisecond, Clock: fakeClock, Logger: discardLogger()})
	putExpiring(t, s, "github.oauth", now.Add(time.Minute))

	started := time.Now()
	_, err := coordinator.Refresh(context.Background(), "github.oauth",
		func(ctx context.Context, current store.Credential) (store.Credential, error) {
			<-ctx.Done()
			return store.Credential{}, ctx.Err()
		})
	if !errors.Is(err, ErrRefreshTimeout) {
		t.Fatalf("expected ErrRefreshTimeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("timeout took %s, configured 50ms", elapsed)
	}

	stored, _, _ := s.Get("github.oauth")
	if stored.Value != "original-token" {
		t.Errorf("timed-out refresh mutated the store: %+v", stored)
	}
}

func TestRefresh_UnknownID(t *testing.T) {
	fakeClock := clock.Fake(time.Now())
	s := newTestStore(t, fakeClock)
	coordinator := New(s, Options{Clock: fakeClock, Logger: discardLogger()})

	_, err := coordinator.Refresh(context.Background(), "missing",
		func(ctx context.Context, current store.Credential) (store.Credential, error) {
			t.Fatal("RefreshFunc must not run for an unknown ID")
			return store.Credential{}, nil
		})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefresh_WaiterContextCancellation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fakeClock := clock.Fake(now)
	s := newTestStore(t, fakeClock)
	coordinator := New(s, Options{Clock: fakeClock, Logger: discardLogger()})
	putExpiring(t, s, "github.oauth", now.Add(time.Minute))

	leaderStarted := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coordinator.Refresh(context.Background(), "github.oauth",
			func(ctx context.Context, current store.Credential) (store.Credential, error) {
				close(leaderStarted)
				<-release
				current.Value = "rotated-token"
				return current, nil
			})
	}()

	<-leaderStarted

	// A waiter with an already-cancelled context leaves immediately;
	// the flight itself keeps running.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := coordinator.Refresh(cancelled, "github.oauth", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)
	wg.Wait()

	stored, _, _ := s.Get("github.oauth")
	if stored.Value != "rotated-token" {
		t.Errorf("leader flight did not complete: %+v", stored)
	}
}
