package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DesktopNotifier shows run outcomes with osascript on macOS and
// notify-send on Linux. Other platforms are silently skipped.
type DesktopNotifier struct {
	enabled bool
	goos    string
}

func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, goos: runtime.GOOS}
}

func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	argv, ok := desktopCommand(d.goos, n)
	if !ok {
		return nil
	}
	return exec.Command(argv[0], argv[1:]...).Run()
}

// desktopBody is the message plus a summary line: exit code and elapsed time
func desktopBody(n Notification) string {
	var facts []string
	if n.ExitCode != nil {
		facts = append(facts, fmt.Sprintf("exit %d", *n.ExitCode))
	}
	if n.Elapsed > 0 {
		facts = append(facts, n.Elapsed.Round(time.Second).String())
	}
	if n.PID > 0 {
		facts = append(facts, fmt.Sprintf("pid %d", n.PID))
	}
	if len(facts) == 0 {
		return n.Message
	}
	return n.Message + "\n" + strings.Join(facts, " · ")
}

func desktopCommand(goos string, n Notification) ([]string, bool) {
	body := desktopBody(n)
	switch goos {
	case "darwin":
		script := `display notification "` + appleScriptQuote(body) + `" with title "` + appleScriptQuote(n.Title) + `"`
		if n.TaskID != "" {
			script += ` subtitle "` + appleScriptQuote("task "+n.TaskID) + `"`
		}
		return []string{"osascript", "-e", script}, true
	case "linux":
		urgency := "normal"
		if n.Type == NotifyError {
			urgency = "critical"
		}
		return []string{"notify-send", "-a", "cli-supervisor", "-u", urgency, "-i", iconFor(n.Type), n.Title, body}, true
	default:
		return nil, false
	}
}

func appleScriptQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func iconFor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
