package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/jobdriver/pkg/api"
	"github.com/psantana5/jobdriver/pkg/models"
)

var commandCmd = &cobra.Command{
	Use:   "command <shell command>",
	Short: "Send an operator shell command to a running driver",
	Long: `Posts the command to the driver's /command endpoint. The driver records it
in the job's message log and runs it asynchronously; follow its progress with
"hellodriver messages".`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.OutOrStdout(), strings.Join(args, " "))
	},
}

var messagesStatus string

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List the operator commands recorded by a running driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMessages(cmd.OutOrStdout(), messagesStatus)
	},
}

func init() {
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(messagesCmd)

	messagesCmd.Flags().StringVar(&messagesStatus, "status", "", "only show commands with this status")
}

func runCommand(out io.Writer, command string) error {
	req, err := newRequest("POST", "/command", strings.NewReader(command))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	body, err := do(req, http.StatusAccepted)
	if err != nil {
		return err
	}
	if outputFormat != "table" {
		return printRaw(out, body)
	}

	var result api.CommandResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	fmt.Fprintf(out, "Command %s %s\n", result.ID, result.Status)
	return nil
}

func runMessages(out io.Writer, status string) error {
	path := "/messages"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
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
		Messages []models.MessageRecord `json:"messages"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Command", "Status", "Output", "Error")
	for _, m := range result.Messages {
		table.Append(shortID(m.ID), m.Payload, string(m.Status), firstLine(m.Output), m.Error)
	}
	return table.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	line, _, cut := strings.Cut(strings.TrimSpace(s), "\n")
	if cut {
		return line + " ..."
	}
	return line
}
