package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/tools"
)

var _ tools.TaskScheduler = (*Scheduler)(nil)

func newTestScheduler(t *testing.T, wake WakeFunc, bus *events.Bus) *Scheduler {
	t.Helper()
	store := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, store, wake, bus)
}

func TestNextRunOneShot(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	future := now.Add(time.Hour)
	task := &Task{Schedule: Schedule{Kind: ScheduleAt, At: &future}}
	next, ok := task.NextRun(now)
	if !ok || !next.Equal(future) {
		t.Errorf("NextRun = %v, %v; want %v, true", next, ok, future)
	}

	past := now.Add(-time.Hour)
	task = &Task{Schedule: Schedule{Kind: ScheduleAt, At: &past}}
	if _, ok := task.NextRun(now); ok {
		t.Error("expired one-shot reported a next run")
	}
}

func TestNextRunEveryAlignsToAnchor(t *testing.T) {
	anchor := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	task := &Task{
		Schedule: Schedule{
			Kind:  ScheduleEvery,
			At:    &anchor,
			Every: &Duration{Duration: time.Hour},
		},
	}

	// 9:30 -> next run at 10:00, on the anchor grid.
	next, ok := task.NextRun(anchor.Add(30 * time.Minute))
	if !ok {
		t.Fatal("recurring task reported no next run")
	}
	want := anchor.Add(time.Hour)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// Before the anchor, the anchor itself is the first run.
	next, ok = task.NextRun(anchor.Add(-time.Minute))
	if !ok || !next.Equal(anchor) {
		t.Errorf("next before anchor = %v, %v; want anchor", next, ok)
	}
}

func TestNextRunInvalidEvery(t *testing.T) {
	task := &Task{Schedule: Schedule{Kind: ScheduleEvery}}
	if _, ok := task.NextRun(time.Now()); ok {
		t.Error("recurring task without interval reported a next run")
	}
}

func TestScheduleCreatesTask(t *testing.T) {
	s := newTestScheduler(t, nil, nil)

	at := time.Now().Add(time.Hour)
	id, err := s.Schedule(context.Background(), "water the plants", at, 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	task, err := s.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Description != "water the plants" {
		t.Errorf("description = %q", task.Description)
	}
	if task.Schedule.Kind != ScheduleAt {
		t.Errorf("kind = %q, want at", task.Schedule.Kind)
	}
	if !task.Enabled {
		t.Error("scheduled task not enabled")
	}
}

func TestScheduleRejectsPastOneShot(t *testing.T) {
	s := newTestScheduler(t, nil, nil)

	_, err := s.Schedule(context.Background(), "too late", time.Now().Add(-time.Minute), 0)
	if err == nil {
		t.Fatal("expected error for one-shot in the past")
	}
}

func TestScheduleRecurring(t *testing.T) {
	s := newTestScheduler(t, nil, nil)

	id, err := s.Schedule(context.Background(), "hourly check", time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	task, _ := s.GetTask(id)
	if task.Schedule.Kind != ScheduleEvery || task.Schedule.Every.Duration != time.Hour {
		t.Errorf("schedule = %+v", task.Schedule)
	}
}

func TestTasksToolView(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	ctx := context.Background()

	at := time.Now().Add(2 * time.Hour)
	id, err := s.Schedule(ctx, "one shot", at, 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := s.Schedule(ctx, "recurring", time.Now(), 30*time.Minute); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	list, err := s.Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d tasks, want 2", len(list))
	}

	var oneShot *tools.ScheduledTask
	for i := range list {
		if list[i].ID == id {
			oneShot = &list[i]
		}
	}
	if oneShot == nil {
		t.Fatal("one-shot task missing from listing")
	}
	if oneShot.Description != "one shot" {
		t.Errorf("description = %q", oneShot.Description)
	}
	if !oneShot.NextRun.Equal(at) {
		t.Errorf("next run = %v, want %v", oneShot.NextRun, at)
	}
	if oneShot.Every != 0 {
		t.Errorf("one-shot reported interval %s", oneShot.Every)
	}
}

func TestCancelRemovesTask(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	ctx := context.Background()

	id, err := s.Schedule(ctx, "doomed", time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	list, _ := s.Tasks(ctx)
	if len(list) != 0 {
		t.Errorf("task survived cancel: %+v", list)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	if err := s.Cancel(context.Background(), "no-such-id"); err == nil {
		t.Fatal("expected error cancelling unknown task")
	}
}

func TestTriggerTaskRunsWakeAndPublishesEvents(t *testing.T) {
	var calls atomic.Int32
	wake := func(_ context.Context, task *Task) (string, error) {
		calls.Add(1)
		return "agent handled: " + task.Description, nil
	}
	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	s := newTestScheduler(t, wake, bus)
	ctx := context.Background()

	id, err := s.Schedule(ctx, "take out the bins", time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	exec, err := s.TriggerTask(ctx, id)
	if err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("wake called %d times, want 1", calls.Load())
	}
	if exec.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", exec.Status)
	}
	if exec.Result != "agent handled: take out the bins" {
		t.Errorf("result = %q", exec.Result)
	}

	kinds := map[string]bool{}
	for range 2 {
		select {
		case e := <-sub:
			if e.Source != events.SourceScheduler {
				t.Errorf("event source = %q", e.Source)
			}
			kinds[e.Kind] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for scheduler events")
		}
	}
	if !kinds[events.KindTaskFired] || !kinds[events.KindTaskComplete] {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestTriggerTaskRecordsFailure(t *testing.T) {
	wake := func(_ context.Context, _ *Task) (string, error) {
		return "", context.DeadlineExceeded
	}
	s := newTestScheduler(t, wake, nil)
	ctx := context.Background()

	id, err := s.Schedule(ctx, "flaky", time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	exec, err := s.TriggerTask(ctx, id)
	if err == nil {
		t.Fatal("expected wake error to propagate")
	}
	if exec.Status != StatusFailed {
		t.Errorf("status = %q, want failed", exec.Status)
	}

	execs, _ := s.GetTaskExecutions(id, 10)
	if len(execs) != 1 || execs[0].Status != StatusFailed {
		t.Errorf("execution history = %+v", execs)
	}
}

func TestStartSchedulesEnabledTasksOnly(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	ctx := context.Background()

	if _, err := s.Schedule(ctx, "active", time.Now().Add(time.Hour), 0); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	disabled := &Task{
		Description: "dormant",
		Schedule:    Schedule{Kind: ScheduleEvery, Every: &Duration{Duration: time.Hour}},
		Enabled:     false,
		CreatedBy:   "test",
	}
	if err := s.store.CreateTask(disabled); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	stats := s.Stats()
	if stats["active_timers"] != 1 {
		t.Errorf("active_timers = %v, want 1", stats["active_timers"])
	}
	if stats["total_tasks"] != 2 || stats["enabled_tasks"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestFiredTimerWakesAgent(t *testing.T) {
	woke := make(chan string, 1)
	wake := func(_ context.Context, task *Task) (string, error) {
		woke <- task.Description
		return "ok", nil
	}
	s := newTestScheduler(t, wake, nil)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if _, err := s.Schedule(ctx, "fire soon", time.Now().Add(20*time.Millisecond), 0); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case desc := <-woke:
		if desc != "fire soon" {
			t.Errorf("woke with %q", desc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}
