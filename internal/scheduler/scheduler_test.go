package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pawhq/paw/internal/config"
	"github.com/pawhq/paw/internal/db"
	"github.com/pawhq/paw/internal/tools"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "paw.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

type promptRecord struct {
	kind   string
	prompt string
	target string
}

func TestCronMatches(t *testing.T) {
	// 2026-03-04 09:30 UTC is a Wednesday.
	now := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)

	cases := []struct {
		schedule string
		want     bool
	}{
		{"* * * * *", true},
		{"30 9 * * *", true},
		{"30 9 4 3 *", true},
		{"30 9 * * 2", true},  // Wednesday with Monday=0
		{"30 9 * * 3", false}, // would be Wednesday in Sunday=0 counting
		{"*/15 * * * *", true},
		{"*/7 * * * *", false},
		{"0 9 * * *", false},
		{"30 10 * * *", false},
		{"30 9 5 * *", false},
		{"30 9 * 4 *", false},
		{"* * * *", false},      // 4 fields
		{"a b c d e", false},    // garbage
		{"*/0 * * * *", false},  // zero step
		{"*/x * * * *", false},  // bad step
		{"", false},
	}
	for _, tc := range cases {
		if got := cronMatches(tc.schedule, now); got != tc.want {
			t.Errorf("cronMatches(%q) = %v, want %v", tc.schedule, got, tc.want)
		}
	}
}

func TestHeartbeatFiresOncePerBucket(t *testing.T) {
	checklist := filepath.Join(t.TempDir(), "heartbeat.md")
	if err := os.WriteFile(checklist, []byte("- check the garden\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var runs []promptRecord
	s := New(config.HeartbeatConfig{
		Enabled:         true,
		IntervalMinutes: 15,
		ChecklistPath:   checklist,
		OutputTarget:    "telegram",
	}, nil, func(ctx context.Context, kind, prompt, target string) error {
		runs = append(runs, promptRecord{kind, prompt, target})
		return nil
	}, nil, nil)

	at := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	s.tick(context.Background())
	s.tick(context.Background()) // same minute bucket, must not refire

	if len(runs) != 1 {
		t.Fatalf("heartbeat ran %d times, want 1", len(runs))
	}
	if runs[0].kind != "heartbeat" || runs[0].target != "telegram" {
		t.Errorf("run = %+v", runs[0])
	}
	if runs[0].prompt != "[HEARTBEAT]\n- check the garden" {
		t.Errorf("prompt = %q", runs[0].prompt)
	}

	// Off-interval minutes are skipped.
	at = time.Date(2026, 3, 4, 9, 31, 0, 0, time.UTC)
	s.tick(context.Background())
	if len(runs) != 1 {
		t.Errorf("heartbeat fired off-interval, runs = %d", len(runs))
	}

	// The next interval boundary fires again.
	at = time.Date(2026, 3, 4, 9, 45, 0, 0, time.UTC)
	s.tick(context.Background())
	if len(runs) != 2 {
		t.Errorf("heartbeat did not fire at next boundary, runs = %d", len(runs))
	}
}

func TestHeartbeatSkipsMissingChecklist(t *testing.T) {
	runs := 0
	s := New(config.HeartbeatConfig{
		Enabled:         true,
		IntervalMinutes: 1,
		ChecklistPath:   filepath.Join(t.TempDir(), "absent.md"),
	}, nil, func(ctx context.Context, kind, prompt, target string) error {
		runs++
		return nil
	}, nil, nil)
	s.now = func() time.Time { return time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC) }

	s.tick(context.Background())
	if runs != 0 {
		t.Errorf("heartbeat ran %d times with no checklist, want 0", runs)
	}
}

func TestCronJobFiresAndMarksRun(t *testing.T) {
	database := newTestDB(t)
	id, err := database.CronAdd("morning", "30 9 * * *", "Summarize the news.", "log")
	if err != nil {
		t.Fatalf("CronAdd: %v", err)
	}
	if _, err := database.CronAdd("late", "0 22 * * *", "Wind down.", ""); err != nil {
		t.Fatalf("CronAdd: %v", err)
	}

	var runs []promptRecord
	s := New(config.HeartbeatConfig{Enabled: true}, database, func(ctx context.Context, kind, prompt, target string) error {
		runs = append(runs, promptRecord{kind, prompt, target})
		return nil
	}, nil, nil)
	s.now = func() time.Time { return time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC) }

	s.runCronIfDue(context.Background(), s.now())
	s.runCronIfDue(context.Background(), s.now()) // same bucket, no refire

	if len(runs) != 1 {
		t.Fatalf("cron ran %d times, want 1", len(runs))
	}
	if runs[0].kind != "cron" || runs[0].target != "log" {
		t.Errorf("run = %+v", runs[0])
	}
	if runs[0].prompt != "[CRON:morning]\nSummarize the news." {
		t.Errorf("prompt = %q", runs[0].prompt)
	}

	jobs, err := database.CronList()
	if err != nil {
		t.Fatalf("CronList: %v", err)
	}
	for _, job := range jobs {
		if job.ID == id && job.LastRunAt == nil {
			t.Error("fired job has no last_run_at")
		}
		if job.ID != id && job.LastRunAt != nil {
			t.Error("undue job was marked run")
		}
	}
}

func TestCronTools(t *testing.T) {
	database := newTestDB(t)
	s := New(config.HeartbeatConfig{}, database, nil, nil, nil)
	registry := tools.NewRegistry(nil)
	s.RegisterTools(registry)

	ctx := context.Background()

	out := registry.Execute(ctx, "add_cron_job", `{"label":"news","schedule":"0 9 * * *","prompt":"Summarize the news."}`)
	if !strings.Contains(out, "Scheduled job") {
		t.Fatalf("add_cron_job = %q", out)
	}

	out = registry.Execute(ctx, "add_cron_job", `{"label":"bad","schedule":"not cron","prompt":"x"}`)
	if !strings.Contains(out, "invalid arguments") && !strings.Contains(out, "execution failed") {
		t.Errorf("malformed schedule accepted: %q", out)
	}

	out = registry.Execute(ctx, "list_cron_jobs", `{}`)
	if !strings.Contains(out, "news") || !strings.Contains(out, "0 9 * * *") {
		t.Errorf("list_cron_jobs = %q", out)
	}

	out = registry.Execute(ctx, "remove_cron_job", `{"id":1}`)
	if !strings.Contains(out, "Removed job 1") {
		t.Errorf("remove_cron_job = %q", out)
	}

	out = registry.Execute(ctx, "list_cron_jobs", `{}`)
	if out != "No cron jobs scheduled." {
		t.Errorf("list after remove = %q", out)
	}
}
