package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/handleui/relay/internal/config"
	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/queue"
)

func newTestScheduler(t *testing.T) (*Scheduler, *queue.Queue) {
	t.Helper()
	base := t.TempDir()
	settings := &config.Settings{
		QueueRoot:              filepath.Join(base, "queue"),
		SchedulesDir:           filepath.Join(base, "schedules"),
		DefaultArtifactHandoff: model.HandoffManual,
	}
	if err := os.MkdirAll(settings.SchedulesDir, 0o750); err != nil {
		t.Fatal(err)
	}
	q, err := queue.Open(settings.QueueRoot)
	if err != nil {
		t.Fatal(err)
	}
	return New(settings, q, zap.NewNop()), q
}

func writeSchedule(t *testing.T, s *Scheduler, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(s.dir, name), []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
}

func TestTickArmsThenFires(t *testing.T) {
	s, q := newTestScheduler(t)
	writeSchedule(t, s, "nightly.yaml", `
id: nightly
schedule: "* * * * *"
payload:
  goal: nightly build
`)

	now := time.Now()
	s.Tick(now)
	if got := q.Count(queue.Pending); got != 0 {
		t.Fatalf("first tick enqueued %d jobs, want 0 (arming only)", got)
	}

	// Force the next run into the past and tick again.
	s.nextRuns["nightly"] = now.Add(-time.Second)
	s.Tick(now)
	if got := q.Count(queue.Pending); got != 1 {
		t.Fatalf("second tick enqueued %d jobs, want 1", got)
	}
}

func TestTickHonorsEnabledFlag(t *testing.T) {
	s, q := newTestScheduler(t)
	writeSchedule(t, s, "off.yaml", `
id: off
schedule: "* * * * *"
enabled: false
payload:
  goal: never runs
`)
	now := time.Now()
	s.Tick(now)
	s.nextRuns["off"] = now.Add(-time.Second)
	s.Tick(now)
	if got := q.Count(queue.Pending); got != 0 {
		t.Errorf("disabled schedule enqueued %d jobs", got)
	}
}

func TestTickRequiresApprovalRouting(t *testing.T) {
	s, q := newTestScheduler(t)
	writeSchedule(t, s, "gated.yaml", `
id: gated
schedule: "* * * * *"
payload:
  goal: needs approval
  policy:
    requires_approval: true
`)
	now := time.Now()
	s.Tick(now)
	s.nextRuns["gated"] = now.Add(-time.Second)
	s.Tick(now)

	if got := q.Count(queue.AwaitingApproval); got != 1 {
		t.Errorf("awaiting_approval has %d entries, want 1", got)
	}
	if got := q.Count(queue.Pending); got != 0 {
		t.Errorf("pending has %d entries, want 0", got)
	}
}

func TestTickJSONScheduleFile(t *testing.T) {
	s, q := newTestScheduler(t)
	writeSchedule(t, s, "weekly.json", `{
  "id": "weekly",
  "schedule": "0 3 * * 1",
  "payload": {"goal": "weekly sweep"}
}`)
	now := time.Now()
	s.Tick(now)
	s.nextRuns["weekly"] = now.Add(-time.Second)
	s.Tick(now)
	if got := q.Count(queue.Pending); got != 1 {
		t.Errorf("json schedule enqueued %d jobs, want 1", got)
	}
}

func TestTickSkipsInvalidExpression(t *testing.T) {
	s, q := newTestScheduler(t)
	writeSchedule(t, s, "broken.yaml", `
id: broken
schedule: "not a cron"
payload:
  goal: x
`)
	s.Tick(time.Now())
	if got := q.Count(queue.Pending); got != 0 {
		t.Errorf("invalid expression enqueued %d jobs", got)
	}
}
