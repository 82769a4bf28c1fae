package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"conductor/internal/queue"
)

// statusColor maps each task status to a terminal color.
func statusColor(status queue.TaskStatus) *color.Color {
	switch status {
	case queue.TaskStatusDone:
		return color.New(color.FgGreen)
	case queue.TaskStatusFailed:
		return color.New(color.FgRed)
	case queue.TaskStatusBlocked:
		return color.New(color.FgYellow)
	case queue.TaskStatusRunning, queue.TaskStatusLeased:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

func levelColor(level string) *color.Color {
	switch level {
	case "error":
		return color.New(color.FgRed)
	case "warn":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-status task counts and recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("status")
			_, st, repo, err := openRepository(logger)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()

			counts, err := repo.CountByStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Println("Tasks:")
			for _, status := range []queue.TaskStatus{
				queue.TaskStatusQueued, queue.TaskStatusLeased, queue.TaskStatusRunning,
				queue.TaskStatusDone, queue.TaskStatusFailed, queue.TaskStatusBlocked,
			} {
				fmt.Printf("  %s %d\n", statusColor(status).Sprintf("%-8s", status), counts[status])
			}

			events, err := repo.ListEvents(ctx, 10, "")
			if err != nil {
				return err
			}
			fmt.Println("\nRecent events:")
			for _, event := range events {
				printEvent(event)
			}
			return nil
		},
	}
}

func newTasksListCommand() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "tasks:list",
		Short: "List tasks, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("tasks")
			_, st, repo, err := openRepository(logger)
			if err != nil {
				return err
			}
			defer st.Close()

			var status queue.TaskStatus
			if statusFilter != "" {
				status = queue.TaskStatus(statusFilter)
				if !status.Valid() {
					return fmt.Errorf("unknown status %q", statusFilter)
				}
			}
			tasks, err := repo.ListTasks(cmd.Context(), status)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				fmt.Printf("%s  p%d  %s  attempts %d/%d  %s\n",
					task.ID,
					task.Priority,
					statusColor(task.Status).Sprintf("%-8s", task.Status),
					task.AttemptCount, task.MaxAttempts,
					truncateLine(task.Title, 60))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status")
	return cmd
}

func newTasksCreateCommand() *cobra.Command {
	var prompt, mode, criteria, title, taskType string
	var priority int

	cmd := &cobra.Command{
		Use:   "tasks:create",
		Short: "Queue a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("tasks")
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("--prompt is required")
			}
			if mode != "" && !queue.Mode(mode).Valid() {
				return fmt.Errorf("mode must be one of auto, lean, full")
			}
			if priority < 1 || priority > 5 {
				return fmt.Errorf("priority must be in [1..5]")
			}

			_, st, repo, err := openRepository(logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if mode == "" {
				mode = string(queue.ModeAuto)
			}
			request := fmt.Sprintf(`{"mode":%q}`, mode)
			task, err := repo.CreateTask(cmd.Context(), queue.CreateTaskInput{
				Type:            taskType,
				Title:           title,
				Prompt:          prompt,
				SuccessCriteria: strings.TrimSpace(criteria),
				Priority:        priority,
				TaskRequest:     []byte(request),
			})
			if err != nil {
				return err
			}
			fmt.Println(task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "task prompt (required)")
	cmd.Flags().StringVar(&mode, "mode", "", "pipeline mode (auto, lean, full)")
	cmd.Flags().StringVar(&criteria, "success", "", "success criteria for the verify phase")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&taskType, "type", "", "task type tag")
	cmd.Flags().IntVar(&priority, "priority", 3, "priority 1 (highest) to 5")
	return cmd
}

func newEventsTailCommand() *cobra.Command {
	var limit int
	var taskID string

	cmd := &cobra.Command{
		Use:   "events:tail",
		Short: "Print the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("events")
			_, st, repo, err := openRepository(logger)
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := repo.ListEvents(cmd.Context(), limit, taskID)
			if err != nil {
				return err
			}
			// ListEvents is newest first; a tail reads oldest first.
			for i := len(events) - 1; i >= 0; i-- {
				printEvent(events[i])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of events")
	cmd.Flags().StringVar(&taskID, "task-id", "", "restrict to one task")
	return cmd
}

func printEvent(event *queue.Event) {
	task := event.TaskID
	if task == "" {
		task = "-"
	}
	fmt.Printf("  %s  %s  %-10s  %s  %s\n",
		event.CreatedAt,
		levelColor(event.Level).Sprintf("%-5s", event.Level),
		event.Phase,
		truncateLine(task, 12),
		truncateLine(event.Message, 80))
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
