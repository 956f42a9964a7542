package worker

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestPool_RunsAllJobs(t *testing.T) {
	p := NewPool(4, testLogger())
	p.Start()

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		if !p.Submit(context.Background(), func() { ran.Add(1) }) {
			t.Fatal("submit rejected")
		}
	}
	p.Stop()

	if got := ran.Load(); got != 50 {
		t.Errorf("ran %d jobs, want 50", got)
	}
	if p.Size() != 4 {
		t.Errorf("Size() = %d, want 4", p.Size())
	}
}

func TestPool_SubmitGivesUpOnCancel(t *testing.T) {
	p := NewPool(1, testLogger())
	p.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	if !p.Submit(context.Background(), func() {
		close(started)
		<-release
	}) {
		t.Fatal("first submit rejected")
	}
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if p.Submit(ctx, func() {}) {
		t.Error("expected submit to fail while the only worker is busy")
	}

	close(release)
	p.Stop()
	p.Stop()
}
