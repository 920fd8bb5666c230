package main

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/sitewalk/internal/composer"
	"github.com/kalambet/sitewalk/internal/config"
	"github.com/kalambet/sitewalk/internal/retrieval"
	"github.com/kalambet/sitewalk/internal/storage"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// --- sessions ---

var uploadCmd = &cobra.Command{
	Use:   "upload <audio-file>",
	Short: "Register a recorded site walk and start processing it",
	Long: `Register a recorded site walk and start processing it.

The audio file must be readable by the server.

Examples:
  sitewalk upload ./walk-0412.m4a --tag "oak creek lot 42"
  sitewalk upload /srv/audio/walk.m4a --job 7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, _ := cmd.Flags().GetString("tag")
		jobID, _ := cmd.Flags().GetInt64("job")

		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}
		req := map[string]any{"audio_path": path}
		if tag != "" {
			req["voice_tag"] = tag
		}
		if jobID > 0 {
			req["job_id"] = jobID
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/sessions", req)
		if err != nil {
			return err
		}
		var sess storage.Session
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}
		printSuccess("Session #%d queued for processing", sess.ID)
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:   "process <session-id>",
	Short: "Start processing an uploaded session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return startSessionRun(cmd, args[0], "process", "Processing session #%d")
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <session-id>",
	Short: "Reset a failed session and process it again from the start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return startSessionRun(cmd, args[0], "retry", "Retrying session #%d")
	},
}

func startSessionRun(cmd *cobra.Command, arg, action, msg string) error {
	id, err := mustID(arg)
	if err != nil {
		return err
	}
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(commandContext(cmd), fmt.Sprintf("/sessions/%d/%s", id, action), nil)
	if err != nil {
		return err
	}
	var sess storage.Session
	if err := decodeJSON(resp, &sess); err != nil {
		return err
	}
	printSuccess(msg, sess.ID)
	return nil
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetInt64("job")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if jobID > 0 {
			q.Set("job_id", strconv.FormatInt(jobID, 10))
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/sessions?"+q.Encode())
		if err != nil {
			return err
		}
		var sessions []storage.Session
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(stdout, "No sessions.")
			return nil
		}
		for _, s := range sessions {
			fmt.Fprintln(stdout, formatSessionLine(s))
		}
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := mustID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), fmt.Sprintf("/sessions/%d", id))
		if err != nil {
			return err
		}
		var sess storage.Session
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}
		return printJSON(sess)
	},
}

func formatSessionLine(s storage.Session) string {
	job := "-"
	if s.JobID != nil {
		job = strconv.FormatInt(*s.JobID, 10)
	}
	line := fmt.Sprintf("#%-5d %s  job %-5s %s", s.ID, s.CreatedAt.Format("2006-01-02 15:04"), job,
		colorize(statusColor(string(s.Status)), string(s.Status)))
	if s.ErrorMessage != "" {
		line += "  " + s.ErrorMessage
	}
	return line
}

func init() {
	uploadCmd.Flags().String("tag", "", "spoken job tag, e.g. \"oak creek lot 42\"")
	uploadCmd.Flags().Int64("job", 0, "attach to an existing job ID")

	sessionsCmd.Flags().Int64("job", 0, "only sessions of this job")
	sessionsCmd.Flags().Int("limit", 20, "maximum number of sessions")
	sessionsCmd.AddCommand(sessionShowCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search transcripts, summaries, and action items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		jobID, _ := cmd.Flags().GetInt64("job")
		asJSON, _ := cmd.Flags().GetBool("json")

		q := url.Values{}
		q.Set("q", strings.Join(args, " "))
		q.Set("limit", strconv.Itoa(limit))
		if jobID > 0 {
			q.Set("job_id", strconv.FormatInt(jobID, 10))
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/search?"+q.Encode())
		if err != nil {
			return err
		}
		var res retrieval.Results
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if asJSON {
			return printJSON(res)
		}
		printSearchResults(res)
		return nil
	},
}

func printSearchResults(res retrieval.Results) {
	fmt.Fprintln(stdout, colorize(colorBold, "Semantic matches"))
	if res.VectorError != "" {
		printWarning("semantic search unavailable: %s", res.VectorError)
	}
	if len(res.Vector) == 0 && res.VectorError == "" {
		fmt.Fprintln(stdout, "  (none)")
	}
	for _, h := range res.Vector {
		job := h.JobName
		if job == "" {
			job = "unassigned job"
		}
		flag := ""
		if h.Flagged {
			flag = colorize(colorRed, " FLAGGED")
		}
		fmt.Fprintf(stdout, "  [%.3f] session #%d, %s, %s (%s)%s\n    %s\n",
			h.Similarity, h.SessionID, job, h.SessionDate.Format("2006-01-02"), h.Type, flag, oneLine(h.Text, 160))
	}

	fmt.Fprintln(stdout, colorize(colorBold, "Keyword matches"))
	if len(res.Lexical) == 0 {
		fmt.Fprintln(stdout, "  (none)")
	}
	for _, h := range res.Lexical {
		fmt.Fprintf(stdout, "  session #%d %s\n    %s\n", h.SessionID, h.CreatedAt.Format("2006-01-02"), oneLine(h.Snippet, 160))
	}

	fmt.Fprintln(stdout, colorize(colorBold, "Action items"))
	if len(res.Actions) == 0 {
		fmt.Fprintln(stdout, "  (none)")
	}
	for _, a := range res.Actions {
		fmt.Fprintln(stdout, "  "+formatActionItem(a))
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results per section")
	searchCmd.Flags().Int64("job", 0, "only search this job")
	searchCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question answered from recorded site walks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetInt64("job")
		req := map[string]any{"question": strings.Join(args, " ")}
		if jobID > 0 {
			req["job_id"] = jobID
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/chat", req)
		if err != nil {
			return err
		}
		var ans composer.Answer
		if err := decodeJSON(resp, &ans); err != nil {
			return err
		}
		fmt.Fprintln(stdout, ans.Answer)
		if len(ans.Sources) > 0 {
			fmt.Fprintln(stdout)
			fmt.Fprintln(stdout, colorize(colorCyan, "Sources:"))
			for _, s := range ans.Sources {
				fmt.Fprintf(stdout, "  session #%d %s %s (%.2f)\n", s.SessionID, s.Date.Format("2006-01-02"), s.Type, s.Similarity)
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().Int64("job", 0, "only use records of this job")
}

// --- action items ---

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List action items",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetInt64("job")
		all, _ := cmd.Flags().GetBool("all")

		q := url.Values{}
		if !all {
			q.Set("open", "1")
		}
		if jobID > 0 {
			q.Set("job_id", strconv.FormatInt(jobID, 10))
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/action-items?"+q.Encode())
		if err != nil {
			return err
		}
		var items []storage.ActionItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Fprintln(stdout, "No action items.")
			return nil
		}
		for _, a := range items {
			fmt.Fprintln(stdout, formatActionItem(a))
		}
		return nil
	},
}

var itemsToggleCmd = &cobra.Command{
	Use:   "toggle <item-id>",
	Short: "Mark an action item done, or open again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := mustID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), fmt.Sprintf("/action-items/%d/toggle", id), nil)
		if err != nil {
			return err
		}
		var item storage.ActionItem
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		state := "open"
		if item.Completed {
			state = "done"
		}
		printSuccess("Action item %d is now %s", item.ID, state)
		return nil
	},
}

func formatActionItem(a storage.ActionItem) string {
	box := "[ ]"
	if a.Completed {
		box = "[x]"
	}
	line := fmt.Sprintf("%s %d %s", box, a.ID, a.Description)
	if a.Assignee != "" {
		line += " (assignee: " + a.Assignee + ")"
	}
	if a.Priority != "" {
		line += " [" + a.Priority + "]"
	}
	return line
}

func init() {
	itemsCmd.Flags().Int64("job", 0, "only items of this job")
	itemsCmd.Flags().Bool("all", false, "include completed items")
	itemsCmd.AddCommand(itemsToggleCmd)
}

// --- notifications ---

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		path := "/notifications?unread=1"
		if all {
			path = "/notifications"
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), path)
		if err != nil {
			return err
		}
		var ns []storage.Notification
		if err := decodeJSON(resp, &ns); err != nil {
			return err
		}
		if len(ns) == 0 {
			fmt.Fprintln(stdout, "No notifications.")
			return nil
		}
		for _, n := range ns {
			mark := " "
			if !n.Read {
				mark = colorize(colorCyan, "*")
			}
			fmt.Fprintf(stdout, "%s %s  %-16s %s\n", mark, n.CreatedAt.Format("2006-01-02 15:04"), n.Type, n.Title)
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification read",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/notifications/read-all", nil)
		if err != nil {
			return err
		}
		var result map[string]int64
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Marked %d notifications read", result["updated"])
		return nil
	},
}

func init() {
	notificationsCmd.Flags().Bool("all", false, "include read notifications")
	notificationsCmd.AddCommand(notificationsReadCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  ") +
		"\n\nSecrets are read from SITEWALK_* environment variables or the secrets file.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
