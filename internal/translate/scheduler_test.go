package translate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Concurrency: 2, Reservoir: 10}, nil)
	defer s.Close()

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	stats := s.Snapshot()
	if stats.Running != 1 {
		t.Fatalf("running = %d, want 1", stats.Running)
	}

	s.Release()
	stats = s.Snapshot()
	if stats.Running != 0 {
		t.Fatalf("running = %d, want 0 after release", stats.Running)
	}
	if stats.Completed != 1 {
		t.Fatalf("completed = %d, want 1", stats.Completed)
	}
}

func TestAcquireAdmissionTimeout(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Concurrency:      1,
		Reservoir:        10,
		AdmissionTimeout: 30 * time.Millisecond,
		RefillInterval:   time.Hour,
	}, nil)
	defer s.Close()

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire returned error: %v", err)
	}

	err := s.Acquire(context.Background())
	if !errors.Is(err, ErrAdmissionTimeout) {
		t.Fatalf("second Acquire error = %v, want ErrAdmissionTimeout", err)
	}
	if stats := s.Snapshot(); stats.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", stats.Dropped)
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Concurrency:      1,
		Reservoir:        10,
		AdmissionTimeout: time.Hour,
		RefillInterval:   time.Hour,
	}, nil)
	defer s.Close()

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire error = %v, want context.DeadlineExceeded", err)
	}
	// キャンセルは dropped には数えない
	if stats := s.Snapshot(); stats.Dropped != 0 {
		t.Fatalf("dropped = %d, want 0", stats.Dropped)
	}
}

func TestReservoirGatesAdmission(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Concurrency:      10,
		Reservoir:        1,
		AdmissionTimeout: 30 * time.Millisecond,
		RefillInterval:   time.Hour,
	}, nil)
	defer s.Close()

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire returned error: %v", err)
	}
	// 同時実行枠は空いていてもトークンが尽きていれば許可されない
	if err := s.Acquire(context.Background()); !errors.Is(err, ErrAdmissionTimeout) {
		t.Fatalf("second Acquire error = %v, want ErrAdmissionTimeout", err)
	}
}

func TestReleaseWakesWaiter(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Concurrency:      1,
		Reservoir:        10,
		AdmissionTimeout: time.Second,
		RefillInterval:   time.Hour,
	}, nil)
	defer s.Close()

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire returned error: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- s.Acquire(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	s.Release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiting Acquire returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not granted after release")
	}
}

func TestAbandonReturnsSlotWithoutCountingCompletion(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Concurrency: 2, Reservoir: 10}, nil)
	defer s.Close()

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	s.abandon()

	stats := s.Snapshot()
	if stats.Running != 0 {
		t.Fatalf("running = %d, want 0 after abandon", stats.Running)
	}
	// 実行されなかった枠は停滞検出の completed/accepted 比に入れない
	if stats.Completed != 0 {
		t.Fatalf("completed = %d, want 0 after abandon", stats.Completed)
	}
	if stats.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", stats.Accepted)
	}
}

func TestCheckHealthThrottlesOnHighQueue(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Concurrency:      8,
		Reservoir:        1,
		AdmissionTimeout: time.Hour,
		RefillInterval:   time.Hour,
		QueueHighWater:   2,
		ThrottleFor:      time.Hour,
	}, nil)
	defer s.Close()

	// トークンを使い切り、待ち行列を高水位より深くする
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	for i := 0; i < 3; i++ {
		go s.Acquire(context.Background())
	}
	waitForQueued(t, s, 3)

	s.checkHealth()

	if stats := s.Snapshot(); stats.Limit != 4 {
		t.Fatalf("limit = %d, want 4 (half of configured concurrency)", stats.Limit)
	}
}

func TestCheckHealthResetsStalledScheduler(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Concurrency:      2,
		Reservoir:        100,
		AdmissionTimeout: time.Hour,
		RefillInterval:   time.Hour,
	}, nil)
	defer s.Close()

	// 枠を埋めたまま完了させず、受理だけを進めて停滞状態を作る
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	s.mu.Lock()
	s.accepted = 20
	s.completed = 1
	s.mu.Unlock()

	s.checkHealth()

	stats := s.Snapshot()
	if stats.Running != 0 {
		t.Fatalf("running = %d, want 0 after reset", stats.Running)
	}
	if stats.Limit != 2 {
		t.Fatalf("limit = %d, want configured concurrency after reset", stats.Limit)
	}
}

func waitForQueued(t *testing.T, s *Scheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Snapshot().Queued >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queued never reached %d (got %d)", want, s.Snapshot().Queued)
}
