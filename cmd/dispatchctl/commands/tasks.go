package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/taskforge/dispatch/internal/types"
)

// NewTasksCommand builds the "tasks" command group.
func NewTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect tasks on a dispatch server",
	}

	cmd.AddCommand(newTasksListCommand())
	cmd.AddCommand(newTasksShowCommand())

	return cmd
}

func newTasksListCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := clientFromFlags(cmd)

			var resp struct {
				Tasks []*types.Task `json:"tasks"`
			}

			path := "/api/tasks"
			if status != "" {
				path += "?status=" + status
			}

			if err := client.get(cmd.Context(), path, &resp); err != nil {
				return err
			}

			printTaskTable(cmd.OutOrStdout(), resp.Tasks)

			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by task status (queued, processing, completed, failed)")

	return cmd
}

func newTasksShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task's results and assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd)

			var resp struct {
				Results     []*types.BucketResult     `json:"results"`
				Assignments []*types.BucketAssignment `json:"assignments"`
			}

			if err := client.get(cmd.Context(), "/api/tasks/"+args[0]+"/results", &resp); err != nil {
				return err
			}

			printResultTable(cmd.OutOrStdout(), resp.Results)
			printAssignmentTable(cmd.OutOrStdout(), resp.Assignments)

			return nil
		},
	}
}

func printTaskTable(w io.Writer, tasks []*types.Task) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"ID", "Name", "Status", "Progress", "Workers", "Chunks Paid", "Spent"})

	for _, t := range tasks {
		tbl.AppendRow(table.Row{
			t.ID, t.Name, statusLabel(t.Status), fmt.Sprintf("%d%%", t.Progress),
			len(t.AssignedWorkers), t.Budget.ChunksPaid, fmt.Sprintf("$%.2f", t.Budget.BudgetSpent),
		})
	}

	tbl.AppendFooter(table.Row{"", "", "", "", "", "Total", fmt.Sprintf("%d tasks", len(tasks))})
	tbl.Render()
}

func printResultTable(w io.Writer, results []*types.BucketResult) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Bucket", "Worker", "Range", "Status", "Paid"})

	for _, r := range results {
		paid := "no"
		if r.PayoutIssued {
			paid = "yes"
		}

		tbl.AppendRow(table.Row{
			r.BucketIndex, r.WorkerID, fmt.Sprintf("[%d,%d)", r.RangeStart, r.RangeEnd),
			statusLabel(r.Status), paid,
		})
	}

	tbl.Render()
}

func printAssignmentTable(w io.Writer, assignments []*types.BucketAssignment) {
	if len(assignments) == 0 {
		return
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Bucket", "Worker", "Range", "Expires"})

	for _, a := range assignments {
		tbl.AppendRow(table.Row{
			a.BucketIndex, a.WorkerID, fmt.Sprintf("[%d,%d)", a.RangeStart, a.RangeEnd),
			a.ExpiresAt.Format("15:04:05"),
		})
	}

	tbl.Render()
}

func statusLabel(status any) string {
	s := fmt.Sprintf("%v", status)

	switch s {
	case "completed":
		return color.GreenString(s)
	case "failed":
		return color.RedString(s)
	case "processing":
		return color.YellowString(s)
	default:
		return color.CyanString(s)
	}
}
