package prompt

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"
)

// maxListedEntries caps the directory listing in the environment block
// so a huge workspace cannot flood the context.
const maxListedEntries = 200

// EnvironmentBlock renders the workspace context sent with the first
// user message of a session: date, platform, working directory, and a
// capped top-level listing.
func (m *Manager) EnvironmentBlock(now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is the environment for the current session.\n")
	fmt.Fprintf(&b, "Today's date is %s.\n", now.Format("Monday, January 2, 2006"))
	fmt.Fprintf(&b, "Operating system: %s\n", runtime.GOOS)
	fmt.Fprintf(&b, "Working directory: %s\n", m.workdir())

	entries, err := os.ReadDir(m.workdir())
	if err != nil {
		return b.String()
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	truncated := false
	if len(names) > maxListedEntries {
		names = names[:maxListedEntries]
		truncated = true
	}
	b.WriteString("Directory contents:\n")
	for _, name := range names {
		b.WriteString("  " + name + "\n")
	}
	if truncated {
		fmt.Fprintf(&b, "  (truncated at %d entries)\n", maxListedEntries)
	}
	return b.String()
}
