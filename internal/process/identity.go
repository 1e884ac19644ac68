package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrIdentityUnavailable is returned where /proc is missing, e.g. on macOS
var ErrIdentityUnavailable = errors.New("process identity unavailable")

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// startTimeField is the 1-based position of starttime in /proc/<pid>/stat
const startTimeField = 22

// Identity returns a token that distinguishes pid from a later process
// reusing the same number: the boot id plus the start time in clock ticks
// since boot.
func Identity(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	boot, err := os.ReadFile(bootIDPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrIdentityUnavailable
		}
		return "", fmt.Errorf("reading boot id: %w", err)
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", fmt.Errorf("reading stat of pid %d: %w", pid, err)
	}
	start, err := parseStartTime(stat)
	if err != nil {
		return "", fmt.Errorf("pid %d: %w", pid, err)
	}
	return strings.TrimSpace(string(boot)) + ":" + start, nil
}

// parseStartTime extracts starttime from a stat line. The command name is
// parenthesized and may contain spaces, so fields are counted after the
// last closing paren, which is followed by field 3.
func parseStartTime(stat []byte) (string, error) {
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 {
		return "", errors.New("malformed stat")
	}
	fields := strings.Fields(string(stat[end+1:]))
	idx := startTimeField - 3
	if len(fields) <= idx {
		return "", errors.New("stat has no start time")
	}
	return fields[idx], nil
}
