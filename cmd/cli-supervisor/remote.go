package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/supervisor"
)

var (
	serverAddr string
	killForce  bool
)

func init() {
	submitCmd := &cobra.Command{
		Use:   "submit [JOBFILE]",
		Short: "Submit a job to the running supervisor",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	addJobFlags(submitCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel TASK",
		Short: "Terminate the process of a running task",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}

	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Show the process pool",
		RunE:  runPool,
	}

	killAllCmd := &cobra.Command{
		Use:   "kill-all",
		Short: "Forcibly kill every supervised process",
		RunE:  runKillAll,
	}
	killAllCmd.Flags().BoolVarP(&killForce, "force", "f", false, "do not ask for confirmation")

	resetCmd := &cobra.Command{
		Use:   "reset [SESSION]",
		Short: "Reset the CLI invocation counter of a reasoning session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runReset,
	}

	for _, c := range []*cobra.Command{submitCmd, cancelCmd, poolCmd, killAllCmd, resetCmd} {
		c.Flags().StringVar(&serverAddr, "server", "", "supervisor API URL (default from web.host and web.port)")
		rootCmd.AddCommand(c)
	}
}

func client() (*apiClient, error) {
	if serverAddr != "" {
		return newAPIClient(serverAddr), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAPIClient(serverURL(cfg)), nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	job, err := buildJob(cmd, args)
	if err != nil {
		return err
	}
	c, err := client()
	if err != nil {
		return err
	}

	resp, err := c.SubmitJob(cmd.Context(), job)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started task %s (pid %d)\n", resp.TaskID, resp.PID)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	if err := c.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelling %s\n", args[0])
	return nil
}

func runPool(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	pool, err := c.Pool(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Active: %d/%d %s\n", len(pool.Active), pool.MaxConcurrent, formatPIDs(pool.Active))
	return nil
}

func runKillAll(cmd *cobra.Command, args []string) error {
	if !killForce {
		fmt.Fprint(cmd.OutOrStdout(), "Kill every supervised process? [y/N] ")
		var answer string
		fmt.Fscanln(cmd.InOrStdin(), &answer)
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
			return nil
		}
	}

	c, err := client()
	if err != nil {
		return err
	}
	pids, err := c.KillAll(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Killed %d processes %s\n", len(pids), formatPIDs(pids))
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	session := supervisor.DefaultSessionID
	if len(args) > 0 {
		session = args[0]
	}
	c, err := client()
	if err != nil {
		return err
	}

	before, err := c.Invocations(cmd.Context(), session)
	if err != nil {
		return err
	}
	if err := c.ResetInvocations(cmd.Context(), session); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset session %s (was %d invocations)\n", session, before.Count)
	return nil
}

func formatPIDs(pids []int) string {
	if len(pids) == 0 {
		return ""
	}
	parts := make([]string, len(pids))
	for i, pid := range pids {
		parts[i] = fmt.Sprint(pid)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
