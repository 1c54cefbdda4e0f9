package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/jobdriver/pkg/api"
	"github.com/psantana5/jobdriver/pkg/journal"
	"github.com/psantana5/jobdriver/pkg/models"
)

var (
	eventsLimit int
	eventsKind  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.OutOrStdout())
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the most recent journal entries of a running driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvents(cmd.OutOrStdout(), eventsLimit, eventsKind)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "number of entries")
	eventsCmd.Flags().StringVar(&eventsKind, "kind", "", "only entries of this event kind, e.g. task_completed")
}

func runStatus(out io.Writer) error {
	req, err := newRequest("GET", "/status", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := do(req, http.StatusOK)
	if err != nil {
		return err
	}
	if outputFormat != "table" {
		return printRaw(out, body)
	}

	var status api.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("Driver", status.DriverID)
	table.Append("Phase", string(status.Phase))
	if status.StartedAt != nil {
		table.Append("Started At", status.StartedAt.Format(time.RFC3339))
	}
	if status.StoppedAt != nil {
		table.Append("Stopped At", status.StoppedAt.Format(time.RFC3339))
	}
	table.Append("Evaluators", summaryCell(status.Evaluators))
	table.Append("Contexts", summaryCell(status.Contexts))
	table.Append("Running Tasks", summaryCell(status.RunningTasks))
	table.Append("Completed Tasks", summaryCell(status.CompletedTasks))
	table.Append("Messages", fmt.Sprintf("%d", status.MessageLogLength))
	table.Append("Events Applied", fmt.Sprintf("%d", status.EventsApplied))
	if status.LastEventKind != "" {
		table.Append("Last Event", string(status.LastEventKind))
	}
	if status.LastError != "" {
		table.Append("Last Error", status.LastError)
	}
	return table.Render()
}

func summaryCell(s api.EntitySummary) string {
	if s.Count == 0 {
		return "0"
	}
	return fmt.Sprintf("%d (%s)", s.Count, strings.Join(s.IDs, ", "))
}

func runEvents(out io.Writer, limit int, kind string) error {
	path := fmt.Sprintf("/events?limit=%d", limit)
	if kind != "" {
		k, err := models.ParseEventKind(kind)
		if err != nil {
			return err
		}
		path += "&kind=" + url.QueryEscape(k.String())
	}
	req, err := newRequest("GET", path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := do(req, http.StatusOK)
	if err != nil {
		return err
	}
	if outputFormat != "table" {
		return printRaw(out, body)
	}

	var result struct {
		Events []journal.Entry `json:"events"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Seq", "Time", "Kind", "Outcome", "Subject", "Error")
	for _, e := range result.Events {
		table.Append(
			fmt.Sprintf("%d", e.Seq),
			e.Time.Format("15:04:05.000"),
			string(e.Kind),
			e.Outcome,
			subject(e),
			e.Error,
		)
	}
	return table.Render()
}

func subject(e journal.Entry) string {
	var parts []string
	for _, id := range []string{e.EvaluatorID, e.ContextID, e.TaskID} {
		if id != "" {
			parts = append(parts, id)
		}
	}
	return strings.Join(parts, "/")
}

// printRaw re-emits a JSON body as indented JSON or as YAML
func printRaw(out io.Writer, body []byte) error {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
