package compute

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/podex/podex/pkg/models"
)

const gitTimeout = 60 * time.Second

// gitLogFormat uses unit separators so subjects with any printable text
// parse unambiguously.
const gitLogFormat = "%H%x1f%an%x1f%ae%x1f%aI%x1f%s"

func (d *Driver) git(ctx context.Context, hostID, containerID, repoDir string, args ...string) (*models.ExecResult, error) {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, "git")
	for _, a := range args {
		quoted = append(quoted, shellQuote(a))
	}
	return d.Exec(ctx, hostID, containerID, strings.Join(quoted, " "), repoDir, gitTimeout)
}

// GitStatus returns the parsed working-tree status.
func (d *Driver) GitStatus(ctx context.Context, hostID, containerID, repoDir string) (*models.GitStatus, error) {
	res, err := d.git(ctx, hostID, containerID, repoDir, "status", "--porcelain", "-b")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git status: %s", strings.TrimSpace(res.Stderr))
	}
	return parseGitStatus(res.Stdout), nil
}

// parseGitStatus parses `git status --porcelain -b`. Malformed lines are
// skipped.
func parseGitStatus(out string) *models.GitStatus {
	status := &models.GitStatus{}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "## "); ok {
			parseBranchHeader(rest, status)
			continue
		}
		if len(line) < 4 || line[2] != ' ' {
			continue
		}
		x, y, path := line[0], line[1], line[3:]
		// renames show "old -> new"; report the new path
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		switch {
		case x == '?' && y == '?':
			status.Untracked = append(status.Untracked, path)
		default:
			if x != ' ' && x != '?' {
				status.Staged = append(status.Staged, path)
			}
			if y != ' ' && y != '?' {
				status.Modified = append(status.Modified, path)
			}
		}
	}
	return status
}

// parseBranchHeader parses the "## branch...upstream [ahead N, behind M]"
// header line.
func parseBranchHeader(rest string, status *models.GitStatus) {
	branch := rest
	if i := strings.Index(branch, "..."); i >= 0 {
		branch = branch[:i]
	}
	// detached HEAD renders as "HEAD (no branch)"
	branch = strings.TrimSuffix(branch, " (no branch)")
	status.Branch = strings.TrimSpace(branch)

	open := strings.Index(rest, "[")
	end := strings.LastIndex(rest, "]")
	if open < 0 || end <= open {
		return
	}
	for _, part := range strings.Split(rest[open+1:end], ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		switch fields[0] {
		case "ahead":
			status.Ahead = n
		case "behind":
			status.Behind = n
		}
	}
}

// GitLog returns the most recent commits.
func (d *Driver) GitLog(ctx context.Context, hostID, containerID, repoDir string, limit int) ([]models.GitCommit, error) {
	if limit <= 0 {
		limit = 50
	}
	res, err := d.git(ctx, hostID, containerID, repoDir,
		"log", "--pretty=format:"+gitLogFormat, "-n", strconv.Itoa(limit))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git log: %s", strings.TrimSpace(res.Stderr))
	}
	return parseGitLog(res.Stdout), nil
}

func parseGitLog(out string) []models.GitCommit {
	var commits []models.GitCommit
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\x1f")
		if len(fields) != 5 {
			continue
		}
		date, err := time.Parse(time.RFC3339, fields[3])
		if err != nil {
			continue
		}
		commits = append(commits, models.GitCommit{
			Hash:    fields[0],
			Author:  fields[1],
			Email:   fields[2],
			Date:    date,
			Subject: fields[4],
		})
	}
	return commits
}

// GitDiffStat returns per-file addition/deletion counts for the working
// tree, or between two refs when both are given.
func (d *Driver) GitDiffStat(ctx context.Context, hostID, containerID, repoDir, from, to string) ([]models.GitDiffStat, error) {
	args := []string{"diff", "--numstat"}
	if from != "" && to != "" {
		args = append(args, from, to)
	}
	res, err := d.git(ctx, hostID, containerID, repoDir, args...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git diff: %s", strings.TrimSpace(res.Stderr))
	}
	return parseNumstat(res.Stdout), nil
}

// parseNumstat parses `git diff --numstat`; binary files show "-" and
// report -1 counts.
func parseNumstat(out string) []models.GitDiffStat {
	var stats []models.GitDiffStat
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		adds, dels := -1, -1
		if fields[0] != "-" {
			n, err := strconv.Atoi(fields[0])
			if err != nil {
				continue
			}
			adds = n
		}
		if fields[1] != "-" {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				continue
			}
			dels = n
		}
		stats = append(stats, models.GitDiffStat{
			Path:      fields[len(fields)-1],
			Additions: adds,
			Deletions: dels,
		})
	}
	return stats
}

// GitBranches returns the local branches with the current one flagged.
func (d *Driver) GitBranches(ctx context.Context, hostID, containerID, repoDir string) ([]models.GitBranch, error) {
	res, err := d.git(ctx, hostID, containerID, repoDir, "branch", "--list")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git branch: %s", strings.TrimSpace(res.Stderr))
	}
	var branches []models.GitBranch
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		current := strings.HasPrefix(line, "* ")
		name := strings.TrimSpace(strings.TrimPrefix(line, "* "))
		if name == "" || strings.HasPrefix(name, "(") {
			continue
		}
		branches = append(branches, models.GitBranch{Name: name, Current: current})
	}
	return branches, nil
}

// GitStage stages paths. The -- separator keeps path arguments from being
// read as options or refs.
func (d *Driver) GitStage(ctx context.Context, hostID, containerID, repoDir string, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no paths to stage")
	}
	args := append([]string{"add", "--"}, paths...)
	res, err := d.git(ctx, hostID, containerID, repoDir, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git add: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// GitUnstage removes paths from the index.
func (d *Driver) GitUnstage(ctx context.Context, hostID, containerID, repoDir string, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no paths to unstage")
	}
	args := append([]string{"restore", "--staged", "--"}, paths...)
	res, err := d.git(ctx, hostID, containerID, repoDir, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git restore: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// GitCommit commits the staged changes and returns the new commit hash.
func (d *Driver) GitCommit(ctx context.Context, hostID, containerID, repoDir, message string) (string, error) {
	res, err := d.git(ctx, hostID, containerID, repoDir, "commit", "-m", message)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git commit: %s", strings.TrimSpace(res.Stderr+res.Stdout))
	}
	head, err := d.git(ctx, hostID, containerID, repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(head.Stdout), nil
}

// GitPush pushes the current branch to its upstream.
func (d *Driver) GitPush(ctx context.Context, hostID, containerID, repoDir string) error {
	res, err := d.git(ctx, hostID, containerID, repoDir, "push")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git push: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// GitPull pulls from upstream.
func (d *Driver) GitPull(ctx context.Context, hostID, containerID, repoDir string) error {
	res, err := d.git(ctx, hostID, containerID, repoDir, "pull")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git pull: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// GitCheckout switches to a branch, creating it when create is set.
func (d *Driver) GitCheckout(ctx context.Context, hostID, containerID, repoDir, branch string, create bool) error {
	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, branch)
	res, err := d.git(ctx, hostID, containerID, repoDir, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git checkout: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// GitWorktreeAdd creates a linked worktree for a branch.
func (d *Driver) GitWorktreeAdd(ctx context.Context, hostID, containerID, repoDir, path, branch string) error {
	res, err := d.git(ctx, hostID, containerID, repoDir, "worktree", "add", path, branch)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git worktree add: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// GitWorktreeRemove removes a linked worktree.
func (d *Driver) GitWorktreeRemove(ctx context.Context, hostID, containerID, repoDir, path string) error {
	res, err := d.git(ctx, hostID, containerID, repoDir, "worktree", "remove", "--force", path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git worktree remove: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// GitBranchCompare reports how head has diverged from base: ahead/behind
// counts, the commits unique to head, and the file-level diff stat over the
// three-dot range.
func (d *Driver) GitBranchCompare(ctx context.Context, hostID, containerID, repoDir, base, head string) (*models.BranchCompare, error) {
	res, err := d.git(ctx, hostID, containerID, repoDir,
		"rev-list", "--left-right", "--count", base+"..."+head)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git rev-list: %s", strings.TrimSpace(res.Stderr))
	}
	cmp := &models.BranchCompare{Base: base, Head: head}
	cmp.Behind, cmp.Ahead = parseLeftRightCount(res.Stdout)

	logRes, err := d.git(ctx, hostID, containerID, repoDir,
		"log", "--pretty=format:"+gitLogFormat, base+".."+head)
	if err != nil {
		return nil, err
	}
	if logRes.ExitCode == 0 {
		cmp.Commits = parseGitLog(logRes.Stdout)
	}

	diffRes, err := d.git(ctx, hostID, containerID, repoDir,
		"diff", "--numstat", base+"..."+head)
	if err != nil {
		return nil, err
	}
	if diffRes.ExitCode == 0 {
		cmp.Files = parseNumstat(diffRes.Stdout)
	}
	return cmp, nil
}

// parseLeftRightCount parses the "N\tM" output of
// `git rev-list --left-right --count`.
func parseLeftRightCount(out string) (left, right int) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return 0, 0
	}
	left, _ = strconv.Atoi(fields[0])
	right, _ = strconv.Atoi(fields[1])
	return left, right
}

// GitMergePreview runs a no-commit merge to detect conflicts, then always
// aborts so the working tree is untouched either way.
func (d *Driver) GitMergePreview(ctx context.Context, hostID, containerID, repoDir, branch string) (*models.MergePreview, error) {
	res, err := d.git(ctx, hostID, containerID, repoDir, "merge", "--no-commit", "--no-ff", branch)
	if err != nil {
		return nil, err
	}

	preview := &models.MergePreview{Clean: res.ExitCode == 0}
	if !preview.Clean {
		diag, diagErr := d.git(ctx, hostID, containerID, repoDir, "diff", "--name-only", "--diff-filter=U")
		if diagErr == nil && diag.ExitCode == 0 {
			for _, line := range strings.Split(diag.Stdout, "\n") {
				if path := strings.TrimSpace(line); path != "" {
					preview.Conflicts = append(preview.Conflicts, path)
				}
			}
		}
	}

	// abort unconditionally; --no-commit merges leave MERGE_HEAD behind
	if _, abortErr := d.git(ctx, hostID, containerID, repoDir, "merge", "--abort"); abortErr != nil {
		return preview, abortErr
	}
	return preview, nil
}
