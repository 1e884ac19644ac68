package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoaderLoadEmbedded(t *testing.T) {
	loader := NewLoader() // No override dirs

	for _, path := range []string{"commit/checkpoint.md", "commit/final.md", "job/claude.md"} {
		tmpl, meta, err := loader.LoadTemplate(path)
		if err != nil {
			t.Fatalf("failed to load %s: %v", path, err)
		}
		if tmpl == nil {
			t.Fatalf("%s: template should not be nil", path)
		}
		if meta == nil || meta.ID == "" {
			t.Errorf("%s: expected frontmatter metadata, got %+v", path, meta)
		}
	}
}

func TestCheckpointMessage(t *testing.T) {
	loader := NewLoader()

	msg, err := loader.CheckpointMessage(CommitData{
		Branch:       "feature/x",
		TaskID:       "task-1",
		PID:          42,
		Elapsed:      "5m0s",
		ChangedFiles: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(msg, "\n")
	if lines[0] != "checkpoint(feature/x): snapshot after 5m0s" {
		t.Errorf("subject = %q", lines[0])
	}
	for _, want := range []string{"pid 42", "Task: task-1", "Changed files: 3"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "---") {
		t.Error("frontmatter leaked into message")
	}
}

func TestFinalMessage_OmitsEmptyFields(t *testing.T) {
	loader := NewLoader()

	msg, err := loader.FinalMessage(CommitData{
		Branch:  "main",
		PID:     7,
		Elapsed: "1s",
		Status:  "completed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(msg, "completed(main): final snapshot after 1s") {
		t.Errorf("unexpected subject: %q", msg)
	}
	if strings.Contains(msg, "Task:") || strings.Contains(msg, "Changed files:") {
		t.Errorf("empty fields rendered:\n%s", msg)
	}
}

func TestBuildJobPrompt(t *testing.T) {
	loader := NewLoader()

	prompt, err := loader.BuildJobPrompt("", JobData{
		Prompt:     "Add input validation",
		Repository: "/srv/repo",
		Branch:     "feature/validate",
		Vars:       map[string]string{"module": "billing"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"/srv/repo", "`feature/validate`", "Add input validation", "- module: billing"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	if _, err := loader.BuildJobPrompt("does-not-exist", JobData{}); err == nil {
		t.Error("expected error for unknown job template")
	}
}

func TestLoaderOverride(t *testing.T) {
	tmpDir := t.TempDir()

	commitDir := filepath.Join(tmpDir, "commit")
	if err := os.MkdirAll(commitDir, 0755); err != nil {
		t.Fatalf("failed to create commit dir: %v", err)
	}

	customContent := `wip: {{.Branch}} ({{.PID}})`
	if err := os.WriteFile(filepath.Join(commitDir, "checkpoint.md"), []byte(customContent), 0644); err != nil {
		t.Fatalf("failed to write override file: %v", err)
	}

	loader := NewLoader(tmpDir)

	msg, err := loader.CheckpointMessage(CommitData{Branch: "dev", PID: 9})
	if err != nil {
		t.Fatal(err)
	}
	if msg != "wip: dev (9)" {
		t.Errorf("override not applied, got %q", msg)
	}

	// Templates without override still come from the embedded FS
	final, err := loader.FinalMessage(CommitData{Branch: "dev", Status: "failed"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(final, "failed(dev)") {
		t.Errorf("embedded fallback not used, got %q", final)
	}
}

func TestLoaderClearCache(t *testing.T) {
	tmpDir := t.TempDir()
	commitDir := filepath.Join(tmpDir, "commit")
	os.MkdirAll(commitDir, 0755)
	path := filepath.Join(commitDir, "checkpoint.md")
	os.WriteFile(path, []byte("first"), 0644)

	loader := NewLoader(tmpDir)
	if msg, _ := loader.CheckpointMessage(CommitData{}); msg != "first" {
		t.Fatalf("got %q, want first", msg)
	}

	os.WriteFile(path, []byte("second"), 0644)
	if msg, _ := loader.CheckpointMessage(CommitData{}); msg != "first" {
		t.Errorf("cached template should be served, got %q", msg)
	}

	loader.ClearCache()
	if msg, _ := loader.CheckpointMessage(CommitData{}); msg != "second" {
		t.Errorf("after ClearCache got %q, want second", msg)
	}
}

func TestParseFrontmatter(t *testing.T) {
	meta, body, err := parseFrontmatter([]byte("---\nid: x\nname: X\n---\nbody\n"))
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil || meta.ID != "x" || meta.Name != "X" {
		t.Errorf("meta = %+v", meta)
	}
	if body != "body\n" {
		t.Errorf("body = %q", body)
	}

	meta, body, _ = parseFrontmatter([]byte("no frontmatter"))
	if meta != nil || body != "no frontmatter" {
		t.Errorf("plain content mangled: %+v %q", meta, body)
	}
}
