package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/taskstore"
	"github.com/hochfrequenz/claude-cli-supervisor/tui"
)

var (
	listStatus   string
	listLimit    int
	showProgress int
)

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (running, completed, failed)")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of tasks")
	rootCmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show TASK",
		Short: "Show a task with its metadata and progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	showCmd.Flags().IntVar(&showProgress, "progress", 10, "number of progress updates to show")
	rootCmd.AddCommand(showCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch TUI dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(cmd.Context(), taskstore.ListOptions{
		Status: domain.TaskStatus(listStatus),
		Limit:  listLimit,
	})
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
		return nil
	}
	printTasks(cmd.OutOrStdout(), tasks)
	return nil
}

func printTasks(out io.Writer, tasks []*domain.Task) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPID\tSTATUS\tPROGRESS\tSTARTED\tUPDATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d%%\t%s\t%s\n",
			t.ID, t.Name, t.PID, t.Status, t.Progress,
			humanize.Time(t.CreatedAt), humanize.Time(t.UpdatedAt))
	}
	w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	task, err := store.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	updates, err := store.ListProgressUpdates(ctx, task.ID, showProgress)
	if err != nil {
		return err
	}

	printTask(cmd.OutOrStdout(), task, updates)
	return nil
}

func printTask(out io.Writer, t *domain.Task, updates []*domain.ProgressUpdate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Task:\t%s\n", t.ID)
	fmt.Fprintf(w, "Name:\t%s\n", t.Name)
	if t.Description != "" {
		fmt.Fprintf(w, "Description:\t%s\n", t.Description)
	}
	fmt.Fprintf(w, "Type:\t%s\n", t.Type)
	fmt.Fprintf(w, "PID:\t%d\n", t.PID)
	fmt.Fprintf(w, "Status:\t%s (%d%%)\n", t.Status, t.Progress)
	fmt.Fprintf(w, "Started:\t%s (%s)\n", t.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(t.CreatedAt))
	fmt.Fprintf(w, "Updated:\t%s\n", humanize.Time(t.UpdatedAt))
	if t.LogFile != "" {
		fmt.Fprintf(w, "Log:\t%s\n", t.LogFile)
	}
	if t.Message != "" {
		fmt.Fprintf(w, "Message:\t%s\n", t.Message)
	}
	w.Flush()

	if t.Error != "" {
		fmt.Fprintf(out, "\nError:\n%s\n", t.Error)
	}

	if len(t.Metadata) > 0 {
		fmt.Fprintln(out, "\nMetadata:")
		keys := make([]string, 0, len(t.Metadata))
		for k := range t.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s\t%v\n", k, t.Metadata[k])
		}
		w.Flush()
	}

	if len(updates) > 0 {
		fmt.Fprintln(out, "\nProgress:")
		for _, u := range updates {
			fmt.Fprintf(out, "  %s  %s\n", u.CreatedAt.Format("15:04:05"), u.Message)
		}
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	model := tui.NewModel(tui.ModelConfig{
		Source:        store,
		MaxConcurrent: cfg.Supervisor.MaxConcurrent,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err = p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
	}
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

