package gitops

import (
	"bytes"
	"sort"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
)

// ParsePorcelain categorizes `git status --porcelain=v1 -z` output. Renames
// and copies count as modifications of the new path.
func ParsePorcelain(out []byte) domain.DiffSummary {
	var d domain.DiffSummary
	entries := bytes.Split(out, []byte{0})
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		x, y := entry[0], entry[1]
		path := string(entry[3:])

		switch {
		case x == '?' && y == '?':
			d.Untracked = append(d.Untracked, path)
		case x == 'R' || x == 'C':
			d.Modified = append(d.Modified, path)
			// The source path follows as its own entry
			i++
		case x == 'D' || y == 'D':
			d.Deleted = append(d.Deleted, path)
		case x == 'A':
			d.Added = append(d.Added, path)
		case x == 'M' || y == 'M' || x == 'T' || y == 'T' || x == 'U' || y == 'U':
			d.Modified = append(d.Modified, path)
		}
	}
	return d
}

func changedFiles(d domain.DiffSummary) []string {
	files := make([]string, 0, d.Total())
	files = append(files, d.Added...)
	files = append(files, d.Modified...)
	files = append(files, d.Deleted...)
	files = append(files, d.Untracked...)
	sort.Strings(files)
	return files
}
