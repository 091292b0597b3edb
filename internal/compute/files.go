package compute

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/podex/podex/pkg/models"
)

// shellQuote single-quotes a value for /bin/sh so user-supplied paths and
// arguments never reach the shell as syntax.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ListFiles returns the entries of a directory inside a workspace.
func (d *Driver) ListFiles(ctx context.Context, hostID, containerID, dir string) ([]models.FileEntry, error) {
	// -A skips . and ..; --time-style gives an epoch we can parse
	cmd := fmt.Sprintf(`ls -lA --time-style=+%%s %s`, shellQuote(dir))
	res, err := d.Exec(ctx, hostID, containerID, cmd, "", 30*time.Second)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list %s: %s", dir, strings.TrimSpace(res.Stderr))
	}
	return parseLsOutput(res.Stdout, dir), nil
}

// parseLsOutput parses `ls -lA --time-style=+%s`. Malformed lines are
// skipped rather than failing the listing.
func parseLsOutput(out, dir string) []models.FileEntry {
	var entries []models.FileEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		// perms links owner group size epoch name...
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		size, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			continue
		}
		epoch, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			continue
		}
		name := strings.Join(fields[6:], " ")
		// symlinks render as "name -> target"
		if i := strings.Index(name, " -> "); i >= 0 {
			name = name[:i]
		}
		entries = append(entries, models.FileEntry{
			Name:    name,
			Path:    strings.TrimSuffix(dir, "/") + "/" + name,
			IsDir:   strings.HasPrefix(fields[0], "d"),
			Size:    size,
			ModTime: time.Unix(epoch, 0).UTC(),
		})
	}
	return entries
}

// ReadFile returns the contents of a file inside a workspace.
func (d *Driver) ReadFile(ctx context.Context, hostID, containerID, path string) (string, error) {
	res, err := d.Exec(ctx, hostID, containerID, "cat "+shellQuote(path), "", 30*time.Second)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("read %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// WriteFile writes content to a file inside a workspace, creating parent
// directories. Content travels base64-encoded so arbitrary bytes survive
// the shell.
func (d *Driver) WriteFile(ctx context.Context, hostID, containerID, path, content string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	cmd := fmt.Sprintf(`mkdir -p "$(dirname %s)" && printf %%s %s | base64 -d > %s`,
		shellQuote(path), shellQuote(encoded), shellQuote(path))
	res, err := d.Exec(ctx, hostID, containerID, cmd, "", 60*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("write %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// DeleteFile removes a file or directory tree inside a workspace.
func (d *Driver) DeleteFile(ctx context.Context, hostID, containerID, path string) error {
	res, err := d.Exec(ctx, hostID, containerID, "rm -rf -- "+shellQuote(path), "", 30*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("delete %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}
