package bot

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// ParseCommands reads a command table. Each line has the form
// "a;b;reply" and maps trim(a)+trim(b) to the trimmed remainder, which may
// itself contain ';'. Blank lines and lines with fewer than three fields are
// skipped; a later duplicate key wins.
func ParseCommands(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, ";")
		if len(parts) < 3 {
			continue
		}
		key := strings.TrimSpace(parts[0]) + strings.TrimSpace(parts[1])
		out[key] = strings.TrimSpace(strings.Join(parts[2:], ";"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CommandTable is the reloadable "#..." reply table. Lookups never block a
// reload.
type CommandTable struct {
	path  string
	table atomic.Pointer[map[string]string]
}

// NewCommandTable returns an empty table bound to path. Call Reload to fill it.
func NewCommandTable(path string) *CommandTable {
	t := &CommandTable{path: path}
	empty := map[string]string{}
	t.table.Store(&empty)
	return t
}

// Reload re-reads the file and swaps the table in one step. On error the
// previous table stays in place.
func (t *CommandTable) Reload() (int, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return 0, fmt.Errorf("open command table: %w", err)
	}
	defer f.Close()
	m, err := ParseCommands(f)
	if err != nil {
		return 0, fmt.Errorf("parse command table %s: %w", t.path, err)
	}
	t.table.Store(&m)
	slog.Info("command table loaded", slog.String("path", t.path), slog.Int("commands", len(m)))
	return len(m), nil
}

// Set replaces the table directly.
func (t *CommandTable) Set(m map[string]string) { t.table.Store(&m) }

// Lookup returns the reply stored for key.
func (t *CommandTable) Lookup(key string) (string, bool) {
	v, ok := (*t.table.Load())[key]
	return v, ok
}

// Len returns the number of commands.
func (t *CommandTable) Len() int { return len(*t.table.Load()) }
