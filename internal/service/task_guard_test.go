package service

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTaskGuard_SerializesSameTask(t *testing.T) {
	g := NewTaskGuard()

	release, _, ok := g.TryAcquire("task-1", "job-a")
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	_, holder, ok := g.TryAcquire("task-1", "job-b")
	if ok {
		t.Fatal("expected second acquire of the same task to fail")
	}
	if holder != "job-a" {
		t.Errorf("expected holder job-a, got %s", holder)
	}

	// different tasks are independent
	releaseOther, _, ok := g.TryAcquire("task-2", "job-c")
	if !ok {
		t.Fatal("expected acquire of another task to succeed")
	}
	if g.Running() != 2 {
		t.Errorf("expected 2 running tasks, got %d", g.Running())
	}

	release()
	releaseOther()
	if g.Running() != 0 {
		t.Errorf("expected 0 running tasks, got %d", g.Running())
	}

	if _, _, ok := g.TryAcquire("task-1", "job-b"); !ok {
		t.Error("expected acquire after release to succeed")
	}
}

func TestTaskGuard_ConcurrentAcquire(t *testing.T) {
	g := NewTaskGuard()
	var wins int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, ok := g.TryAcquire("task-1", "job"); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}
