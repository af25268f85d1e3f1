// Package scheduler drives PAW's time-based automation: a periodic
// heartbeat prompt assembled from a checklist file, plus db-backed
// cron jobs with 5-field schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pawhq/paw/internal/config"
	"github.com/pawhq/paw/internal/db"
	"github.com/pawhq/paw/internal/events"
)

// tickInterval is how often due-ness is evaluated. Schedules resolve
// to the minute, so anything under 60s works; 30s keeps worst-case
// drift at half a tick.
const tickInterval = 30 * time.Second

// RunPrompt delivers a scheduled prompt into the agent pipeline.
// kind is "heartbeat" or "cron".
type RunPrompt func(ctx context.Context, kind, prompt, outputTarget string) error

// Scheduler fires the heartbeat and cron jobs. Each schedule fires at
// most once per minute bucket, so a slow agent run cannot cause a
// double fire within the same minute.
type Scheduler struct {
	cfg    config.HeartbeatConfig
	db     *db.DB
	run    RunPrompt
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	lastHeartbeat string
	lastCron      map[int64]string
	cancel        context.CancelFunc
	done          chan struct{}
}

// New creates the scheduler. run is invoked for every due prompt.
func New(cfg config.HeartbeatConfig, database *db.DB, run RunPrompt, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		db:       database,
		run:      run,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		lastCron: make(map[int64]string),
	}
}

// Start launches the tick loop. Disabled schedulers start nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)
	s.logger.Info("scheduler started", "heartbeat_interval_minutes", s.cfg.IntervalMinutes)
	return nil
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one due-ness evaluation against the injectable clock.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	s.runHeartbeatIfDue(ctx, now)
	s.runCronIfDue(ctx, now)
}

func (s *Scheduler) runHeartbeatIfDue(ctx context.Context, now time.Time) {
	interval := s.cfg.IntervalMinutes
	if interval < 1 {
		interval = 1
	}
	bucket := minuteBucket(now)

	s.mu.Lock()
	due := now.Minute()%interval == 0 && s.lastHeartbeat != bucket
	if due {
		s.lastHeartbeat = bucket
	}
	s.mu.Unlock()
	if !due {
		return
	}

	checklist := loadChecklist(s.cfg.ChecklistPath)
	if checklist == "" {
		return
	}

	s.bus.Publish(events.Event{
		Source: events.SourceScheduler,
		Kind:   events.KindHeartbeat,
		Data:   map[string]any{"minute": bucket},
	})
	if err := s.run(ctx, "heartbeat", "[HEARTBEAT]\n"+checklist, s.cfg.OutputTarget); err != nil {
		s.logger.Warn("heartbeat run failed", "error", err)
		return
	}
	s.logger.Info("heartbeat ran", "minute", bucket)
}

func (s *Scheduler) runCronIfDue(ctx context.Context, now time.Time) {
	if s.db == nil {
		return
	}
	jobs, err := s.db.CronList()
	if err != nil {
		s.logger.Warn("cron list failed", "error", err)
		return
	}

	bucket := minuteBucket(now)
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		s.mu.Lock()
		seen := s.lastCron[job.ID] == bucket
		if !seen {
			s.lastCron[job.ID] = bucket
		}
		s.mu.Unlock()
		if seen || !cronMatches(job.Schedule, now) {
			continue
		}

		s.bus.Publish(events.Event{
			Source: events.SourceScheduler,
			Kind:   events.KindCronFired,
			Data:   map[string]any{"job_id": job.ID, "label": job.Label},
		})
		prompt := fmt.Sprintf("[CRON:%s]\n%s", job.Label, job.Prompt)
		if err := s.run(ctx, "cron", prompt, job.OutputTarget); err != nil {
			s.logger.Warn("cron run failed", "job_id", job.ID, "label", job.Label, "error", err)
			continue
		}
		if err := s.db.CronMarkRun(job.ID); err != nil {
			s.logger.Warn("cron mark-run failed", "job_id", job.ID, "error", err)
		}
		s.logger.Info("cron ran", "job_id", job.ID, "label", job.Label)
	}
}

func minuteBucket(now time.Time) string {
	return now.Format("2006-01-02T15:04")
}

func loadChecklist(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// cronMatches evaluates a 5-field expression (minute, hour, day of
// month, month, day of week) against now. Fields accept "*", "*/n"
// steps, and literals. Day of week counts Monday as 0.
func cronMatches(schedule string, now time.Time) bool {
	fields := strings.Fields(strings.TrimSpace(schedule))
	if len(fields) != 5 {
		return false
	}
	values := []int{
		now.Minute(),
		now.Hour(),
		now.Day(),
		int(now.Month()),
		(int(now.Weekday()) + 6) % 7, // Monday = 0
	}
	for i, field := range fields {
		if !matchCronField(field, values[i]) {
			return false
		}
	}
	return true
}

func matchCronField(field string, value int) bool {
	if field == "*" {
		return true
	}
	if step, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(step)
		if err != nil {
			return false
		}
		return n > 0 && value%n == 0
	}
	n, err := strconv.Atoi(field)
	if err != nil {
		return false
	}
	return n == value
}
