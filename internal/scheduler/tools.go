package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pawhq/paw/internal/tools"
)

// RegisterTools adds the cron-management tools so the agent can
// schedule its own follow-ups.
func (s *Scheduler) RegisterTools(r *tools.Registry) {
	r.Register(&tools.Tool{
		Name:        "add_cron_job",
		Description: "Schedule a recurring prompt. The schedule is a 5-field cron expression (minute hour day month weekday, Monday=0) supporting *, */n, and literal values.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{
					"type":        "string",
					"description": "Short name for the job",
				},
				"schedule": map[string]any{
					"type":        "string",
					"description": "Cron expression, e.g. '0 9 * * *' for 09:00 daily",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "The prompt to run when the job fires",
				},
				"output_target": map[string]any{
					"type":        "string",
					"description": "Optional output target (log, webhook:<url>, or a channel name)",
				},
			},
			"required": []string{"label", "schedule", "prompt"},
		},
		Handler: s.handleAddJob,
	})

	r.Register(&tools.Tool{
		Name:        "list_cron_jobs",
		Description: "List all scheduled cron jobs with their ids, schedules, and prompts.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: s.handleListJobs,
	})

	r.Register(&tools.Tool{
		Name:        "remove_cron_job",
		Description: "Delete a scheduled cron job by id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "integer",
					"description": "The job id from list_cron_jobs",
				},
			},
			"required": []string{"id"},
		},
		Handler: s.handleRemoveJob,
	})
}

func (s *Scheduler) handleAddJob(_ context.Context, args map[string]any) (string, error) {
	label, _ := args["label"].(string)
	schedule, _ := args["schedule"].(string)
	prompt, _ := args["prompt"].(string)
	outputTarget, _ := args["output_target"].(string)

	if label == "" || schedule == "" || prompt == "" {
		return "", fmt.Errorf("label, schedule, and prompt are required")
	}
	if len(strings.Fields(schedule)) != 5 {
		return "", fmt.Errorf("schedule %q is not a 5-field cron expression", schedule)
	}
	if s.db == nil {
		return "", fmt.Errorf("scheduler storage is unavailable")
	}

	id, err := s.db.CronAdd(label, schedule, prompt, outputTarget)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled job %d (%s) with schedule '%s'.", id, label, schedule), nil
}

func (s *Scheduler) handleListJobs(_ context.Context, _ map[string]any) (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("scheduler storage is unavailable")
	}
	jobs, err := s.db.CronList()
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "No cron jobs scheduled.", nil
	}

	var sb strings.Builder
	for _, job := range jobs {
		fmt.Fprintf(&sb, "[%d] %s — '%s': %s", job.ID, job.Label, job.Schedule, job.Prompt)
		if job.OutputTarget != "" {
			fmt.Fprintf(&sb, " (output: %s)", job.OutputTarget)
		}
		if job.LastRunAt != nil {
			fmt.Fprintf(&sb, " (last run %s)", job.LastRunAt.UTC().Format(time.RFC3339))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (s *Scheduler) handleRemoveJob(_ context.Context, args map[string]any) (string, error) {
	rawID, ok := args["id"].(float64)
	if !ok {
		return "", fmt.Errorf("id is required")
	}
	if s.db == nil {
		return "", fmt.Errorf("scheduler storage is unavailable")
	}

	removed, err := s.db.CronRemove(int64(rawID))
	if err != nil {
		return "", err
	}
	if !removed {
		return "", fmt.Errorf("no job with id %d", int64(rawID))
	}
	return fmt.Sprintf("Removed job %d.", int64(rawID)), nil
}
