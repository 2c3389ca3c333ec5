package services

import (
	"context"
	"errors"
	"testing"
)

func TestCascadeChain(t *testing.T) {
	chain := CascadeChain{}
	if chain.Contains(1) {
		t.Fatal("empty chain contains nothing")
	}

	chain = chain.Next(1).Next(2)
	if chain.Depth != 2 {
		t.Fatalf("depth: %d", chain.Depth)
	}
	if !chain.Contains(1) || !chain.Contains(2) {
		t.Fatalf("visited: %v", chain.Visited)
	}
	if chain.Contains(3) {
		t.Fatal("chain must not contain unvisited rule")
	}

	// Next 不得改动原链
	base := CascadeChain{Visited: []uint{1}, Depth: 1}
	extended := base.Next(2)
	if len(base.Visited) != 1 {
		t.Fatalf("base mutated: %v", base.Visited)
	}
	if len(extended.Visited) != 2 || extended.Depth != 2 {
		t.Fatalf("extended: %+v", extended)
	}
}

func TestSyncQueueRunsInline(t *testing.T) {
	queue := NewSyncQueue(testLogger())

	var handled []string
	queue.SetHandler(func(_ context.Context, job Job) error {
		handled = append(handled, job.Type)
		return nil
	})

	if ok := queue.Enqueue(Job{Type: JobTicketEvent}); !ok {
		t.Fatal("enqueue should succeed")
	}
	if len(handled) != 1 || handled[0] != JobTicketEvent {
		t.Fatalf("handled: %v", handled)
	}
}

func TestSyncQueueWithoutHandler(t *testing.T) {
	queue := NewSyncQueue(testLogger())
	if queue.Enqueue(Job{Type: JobTicketEvent}) {
		t.Fatal("enqueue without a handler must report failure")
	}
}

func TestSyncQueueReportsHandlerError(t *testing.T) {
	queue := NewSyncQueue(testLogger())
	queue.SetHandler(func(_ context.Context, _ Job) error {
		return errors.New("boom")
	})
	if queue.Enqueue(Job{Type: JobTicketEvent}) {
		t.Fatal("failed job must report failure")
	}
}

func TestWorkerQueueRejectsWhenFull(t *testing.T) {
	// 未启动 worker，容量 1：第二个任务被拒绝而不是阻塞
	queue := NewWorkerQueue(1, 1, testLogger())
	if !queue.Enqueue(Job{Type: JobNotification}) {
		t.Fatal("first enqueue should fit")
	}
	if queue.Enqueue(Job{Type: JobNotification}) {
		t.Fatal("second enqueue should be rejected")
	}
}

func TestWorkerQueueAssignsJobIDs(t *testing.T) {
	queue := NewWorkerQueue(1, 4, testLogger())
	job := Job{Type: JobNotification}
	queue.Enqueue(job)

	got := <-queue.jobs
	if got.ID == "" {
		t.Fatal("enqueued job should get an id")
	}
}
