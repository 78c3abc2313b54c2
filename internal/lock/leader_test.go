package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockLease is a mock implementation of Lease for testing.
type mockLease struct {
	acquireResult atomic.Bool
	acquireErr    error
	refreshLost   atomic.Bool
	refreshErr    atomic.Pointer[error]
	held          atomic.Bool
	acquireCalls  atomic.Int32
	releaseCalls  atomic.Int32
	refreshCalls  atomic.Int32
}

func newMockLease(acquire bool) *mockLease {
	m := &mockLease{}
	m.acquireResult.Store(acquire)
	return m
}

func (m *mockLease) TryAcquire(ctx context.Context) (bool, error) {
	m.acquireCalls.Add(1)
	if m.acquireErr != nil {
		return false, m.acquireErr
	}
	ok := m.acquireResult.Load()
	if ok {
		m.held.Store(true)
	}
	return ok, nil
}

func (m *mockLease) Refresh(ctx context.Context) (bool, error) {
	m.refreshCalls.Add(1)
	if errp := m.refreshErr.Load(); errp != nil {
		return false, *errp
	}
	if m.refreshLost.Load() {
		m.held.Store(false)
		return false, nil
	}
	return true, nil
}

func (m *mockLease) Release(ctx context.Context) error {
	m.releaseCalls.Add(1)
	m.held.Store(false)
	return nil
}

func (m *mockLease) IsHeld() bool {
	return m.held.Load()
}

func TestLeaderElector_BecomeLeader(t *testing.T) {
	mock := newMockLease(true)
	logger := zerolog.Nop()

	var becameLeader atomic.Bool
	elector := NewLeaderElector(mock, logger,
		WithRenewalRate(50*time.Millisecond),
		WithOnBecomeLeader(func() {
			becameLeader.Store(true)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	elector.Start(ctx)

	// Wait for leader acquisition
	time.Sleep(100 * time.Millisecond)

	if !elector.IsLeader() {
		t.Error("Expected to be leader")
	}
	if !becameLeader.Load() {
		t.Error("Expected onBecomeLeader callback to be called")
	}

	elector.Stop(context.Background())

	if elector.IsLeader() {
		t.Error("Expected to not be leader after stop")
	}
}

func TestLeaderElector_LoseLeadership(t *testing.T) {
	mock := newMockLease(true)
	logger := zerolog.Nop()

	var lostLeader atomic.Bool
	elector := NewLeaderElector(mock, logger,
		WithRenewalRate(50*time.Millisecond),
		WithRetryBackoff(time.Hour),
		WithOnLoseLeader(func() {
			lostLeader.Store(true)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())

	elector.Start(ctx)

	time.Sleep(100 * time.Millisecond)

	if !elector.IsLeader() {
		t.Error("Expected to be leader")
	}

	// Someone else takes the lease over
	mock.acquireResult.Store(false)
	mock.refreshLost.Store(true)

	time.Sleep(100 * time.Millisecond)

	if !lostLeader.Load() {
		t.Error("Expected onLoseLeader callback to be called")
	}
	if elector.IsLeader() {
		t.Error("Expected to not be leader after losing the lease")
	}

	cancel()
	elector.Stop(context.Background())
}

func TestLeaderElector_RefreshErrorKeepsLeadership(t *testing.T) {
	mock := newMockLease(true)
	logger := zerolog.Nop()

	elector := NewLeaderElector(mock, logger,
		WithRenewalRate(30*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	elector.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	err := errors.New("connection reset")
	mock.refreshErr.Store(&err)

	time.Sleep(100 * time.Millisecond)

	if !elector.IsLeader() {
		t.Error("Expected a transport error to leave leadership in place")
	}
	if mock.refreshCalls.Load() < 2 {
		t.Errorf("Expected repeated refresh attempts, got %d", mock.refreshCalls.Load())
	}

	elector.Stop(context.Background())
}

func TestLeaderElector_RetryAcquisition(t *testing.T) {
	mock := newMockLease(false)
	logger := zerolog.Nop()

	elector := NewLeaderElector(mock, logger,
		WithRenewalRate(50*time.Millisecond),
		WithRetryBackoff(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	elector.Start(ctx)

	// Wait for a few acquisition attempts
	time.Sleep(200 * time.Millisecond)

	calls := mock.acquireCalls.Load()
	if calls < 2 {
		t.Errorf("Expected multiple acquire attempts, got %d", calls)
	}

	if elector.IsLeader() {
		t.Error("Expected to not be leader when acquisition fails")
	}

	elector.Stop(context.Background())
}

func TestLeaderElector_RenewalCalls(t *testing.T) {
	mock := newMockLease(true)
	logger := zerolog.Nop()

	elector := NewLeaderElector(mock, logger,
		WithRenewalRate(50*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	elector.Start(ctx)

	// Wait for acquisition and some renewals
	time.Sleep(200 * time.Millisecond)

	elector.Stop(context.Background())

	refreshCalls := mock.refreshCalls.Load()
	if refreshCalls < 2 {
		t.Errorf("Expected multiple refresh calls, got %d", refreshCalls)
	}
}

func TestLeaderElector_StopReleasesLease(t *testing.T) {
	mock := newMockLease(true)
	logger := zerolog.Nop()

	elector := NewLeaderElector(mock, logger,
		WithRenewalRate(50*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	elector.Start(ctx)

	time.Sleep(100 * time.Millisecond)

	elector.Stop(context.Background())
	elector.Stop(context.Background())

	if mock.releaseCalls.Load() != 1 {
		t.Errorf("Expected one release on stop, got %d", mock.releaseCalls.Load())
	}
}

func TestLeaderElector_ContextCancellation(t *testing.T) {
	mock := newMockLease(true)
	logger := zerolog.Nop()

	elector := NewLeaderElector(mock, logger,
		WithRenewalRate(50*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())

	elector.Start(ctx)

	time.Sleep(100 * time.Millisecond)

	cancel()

	// Give time for goroutine to exit
	time.Sleep(100 * time.Millisecond)

	// Stop should still work cleanly
	elector.Stop(context.Background())
}

func TestLeaderElector_WithContenders(t *testing.T) {
	store := NewMemoryStore[testResource](WithLeaseDuration(time.Minute))
	ctx := context.Background()
	if err := store.Create(ctx, "leader", &testResource{Record: Record{ID: "leader"}}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	logger := zerolog.Nop()
	first := NewLeaderElector(
		NewContender(New(store, selfSelector()), "leader", ""),
		logger, WithRenewalRate(20*time.Millisecond), WithRetryBackoff(20*time.Millisecond),
	)
	second := NewLeaderElector(
		NewContender(New(store, selfSelector()), "leader", ""),
		logger, WithRenewalRate(20*time.Millisecond), WithRetryBackoff(20*time.Millisecond),
	)

	first.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	second.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	if !first.IsLeader() {
		t.Error("Expected first elector to lead")
	}
	if second.IsLeader() {
		t.Error("Expected second elector to follow")
	}

	first.Stop(ctx)
	time.Sleep(100 * time.Millisecond)

	if !second.IsLeader() {
		t.Error("Expected second elector to take over after the first stepped down")
	}
	second.Stop(ctx)
}
