package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/jobspec"
)

var jobFlags struct {
	name     string
	prompt   string
	template string
	repo     string
	branch   string
	executor string
	model    string
	session  string
	timeout  time.Duration
	vars     map[string]string
}

func addJobFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&jobFlags.name, "name", "", "task name")
	f.StringVarP(&jobFlags.prompt, "prompt", "p", "", "prompt passed to the CLI")
	f.StringVar(&jobFlags.template, "template", "", "prompt template wrapping the prompt")
	f.StringVar(&jobFlags.repo, "repo", "", "git repository the CLI works in")
	f.StringVar(&jobFlags.branch, "branch", "", "branch checkpoints are pushed to (default: current)")
	f.StringVar(&jobFlags.executor, "executor", "", "claude-code, opencode or script")
	f.StringVar(&jobFlags.model, "model", "", "model passed to the CLI")
	f.StringVar(&jobFlags.session, "session", "", "reasoning session charged for the invocation")
	f.DurationVar(&jobFlags.timeout, "timeout", 0, "wall-clock budget (default from supervisor.timeout)")
	f.StringToStringVar(&jobFlags.vars, "var", nil, "template variable key=value")
}

// buildJob reads an optional job file and applies the command line on top
func buildJob(cmd *cobra.Command, args []string) (*jobspec.Job, error) {
	job := &jobspec.Job{}
	if len(args) > 0 {
		loaded, err := jobspec.Load(args[0])
		if err != nil {
			return nil, err
		}
		job = loaded
	}

	f := cmd.Flags()
	if f.Changed("name") {
		job.Name = jobFlags.name
	}
	if f.Changed("prompt") {
		job.Prompt = jobFlags.prompt
	}
	if f.Changed("template") {
		job.PromptTemplate = jobFlags.template
	}
	if f.Changed("repo") {
		job.Repository = jobFlags.repo
	}
	if f.Changed("branch") {
		job.Branch = jobFlags.branch
	}
	if f.Changed("executor") {
		job.Executor = jobspec.Executor(jobFlags.executor)
	}
	if f.Changed("model") {
		job.Model = jobFlags.model
	}
	if f.Changed("session") {
		job.Session = jobFlags.session
	}
	if f.Changed("timeout") {
		job.Timeout = jobFlags.timeout
	}
	if f.Changed("var") {
		if job.Vars == nil {
			job.Vars = make(map[string]string)
		}
		for k, v := range jobFlags.vars {
			job.Vars[k] = v
		}
	}
	return job, nil
}

func init() {
	runCmd := &cobra.Command{
		Use:   "run [JOBFILE]",
		Short: "Run one job in the foreground until it finishes",
		Long: `Run one job under supervision in this process and wait for it. The job comes
from a YAML job file, from flags, or from both (flags win). The exit status is
non-zero when the job fails or times out.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	addJobFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	job, err := buildJob(cmd, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	job.ApplyDefaults(a.jobDefaults())
	spec, err := job.SpawnSpec(a.prompts)
	if err != nil {
		return err
	}

	a.addListener(func(e domain.Event) {
		if e.Type == domain.EventCheckpoint && e.Error == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  checkpoint after %s\n", e.Elapsed.Round(time.Second))
		}
	})

	taskID, pid, err := a.sup.Start(ctx, spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started %s (pid %d, task %s)\n", job.Name, pid, taskID)

	a.sup.Wait()

	if taskID == "" {
		return nil
	}
	task, err := a.store.GetTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Finished %s: %s after %s\n",
		job.Name, task.Status, task.UpdatedAt.Sub(task.CreatedAt).Round(time.Second))
	if task.Status == domain.StatusFailed {
		return fmt.Errorf("task %s failed: %s", taskID, firstLine(task.Error))
	}
	return nil
}
