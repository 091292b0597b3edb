package compute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGitStatus(t *testing.T) {
	out := "## feature/login...origin/feature/login [ahead 2, behind 1]\n" +
		"M  internal/auth/auth.go\n" +
		" M internal/api/router.go\n" +
		"MM pkg/models/models.go\n" +
		"A  internal/auth/auth_test.go\n" +
		"R  old.go -> new.go\n" +
		"?? scratch.txt\n" +
		"junk\n"

	s := parseGitStatus(out)
	assert.Equal(t, "feature/login", s.Branch)
	assert.Equal(t, 2, s.Ahead)
	assert.Equal(t, 1, s.Behind)
	assert.Equal(t, []string{"internal/auth/auth.go", "pkg/models/models.go", "internal/auth/auth_test.go", "new.go"}, s.Staged)
	assert.Equal(t, []string{"internal/api/router.go", "pkg/models/models.go"}, s.Modified)
	assert.Equal(t, []string{"scratch.txt"}, s.Untracked)
}

func TestParseGitStatusNoUpstream(t *testing.T) {
	s := parseGitStatus("## main\n?? a.txt\n")
	assert.Equal(t, "main", s.Branch)
	assert.Zero(t, s.Ahead)
	assert.Zero(t, s.Behind)
}

func TestParseGitStatusDetachedHead(t *testing.T) {
	s := parseGitStatus("## HEAD (no branch)\n")
	assert.Equal(t, "HEAD", s.Branch)
}

func TestParseGitLog(t *testing.T) {
	out := "abc123\x1fAda\x1fada@example.com\x1f2026-08-20T10:00:00+02:00\x1fFix login redirect\n" +
		"def456\x1fBen\x1fben@example.com\x1f2026-08-19T09:30:00Z\x1fAdd session store\n" +
		"malformed line without separators\n"

	commits := parseGitLog(out)
	require.Len(t, commits, 2)
	assert.Equal(t, "abc123", commits[0].Hash)
	assert.Equal(t, "Ada", commits[0].Author)
	assert.Equal(t, "ada@example.com", commits[0].Email)
	assert.Equal(t, "Fix login redirect", commits[0].Subject)
	want, _ := time.Parse(time.RFC3339, "2026-08-20T10:00:00+02:00")
	assert.True(t, commits[0].Date.Equal(want))
}

func TestParseLeftRightCount(t *testing.T) {
	left, right := parseLeftRightCount("3\t7\n")
	assert.Equal(t, 3, left)
	assert.Equal(t, 7, right)

	left, right = parseLeftRightCount("garbage")
	assert.Zero(t, left)
	assert.Zero(t, right)
}

func TestParseNumstat(t *testing.T) {
	out := "12\t3\tinternal/api/router.go\n" +
		"-\t-\tassets/logo.png\n" +
		"0\t7\tREADME.md\n" +
		"garbage\n"

	stats := parseNumstat(out)
	require.Len(t, stats, 3)
	assert.Equal(t, "internal/api/router.go", stats[0].Path)
	assert.Equal(t, 12, stats[0].Additions)
	assert.Equal(t, 3, stats[0].Deletions)
	// binary files report -1
	assert.Equal(t, -1, stats[1].Additions)
	assert.Equal(t, -1, stats[1].Deletions)
	assert.Equal(t, 0, stats[2].Additions)
	assert.Equal(t, 7, stats[2].Deletions)
}

func TestParseLsOutput(t *testing.T) {
	out := "total 16\n" +
		"drwxr-xr-x 2 dev dev 4096 1724400000 src\n" +
		"-rw-r--r-- 1 dev dev  812 1724403600 main.go\n" +
		"lrwxrwxrwx 1 dev dev    7 1724403600 link -> target\n" +
		"-rw-r--r-- 1 dev dev  120 1724403600 file with spaces.txt\n" +
		"broken\n"

	entries := parseLsOutput(out, "/workspace/")
	require.Len(t, entries, 4)
	assert.Equal(t, "src", entries[0].Name)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, "/workspace/src", entries[0].Path)
	assert.Equal(t, int64(812), entries[1].Size)
	assert.False(t, entries[1].IsDir)
	assert.Equal(t, time.Unix(1724403600, 0).UTC(), entries[1].ModTime)
	assert.Equal(t, "link", entries[2].Name)
	assert.Equal(t, "file with spaces.txt", entries[3].Name)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'a b'`, shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, `'$(rm -rf /)'`, shellQuote("$(rm -rf /)"))
}

func TestParseLinkByIndex(t *testing.T) {
	out := "2: eth0: <BROADCAST,MULTICAST,UP> mtu 1500 qdisc fq state UP\n" +
		"17: veth1a2b3c@if16: <BROADCAST,MULTICAST,UP> mtu 1500 qdisc noqueue\n"

	assert.Equal(t, "veth1a2b3c", parseLinkByIndex(out, "17"))
	assert.Equal(t, "eth0", parseLinkByIndex(out, "2"))
	assert.Empty(t, parseLinkByIndex(out, "99"))
}

func TestProjectIDStableAndOffset(t *testing.T) {
	a := projectID("ws-1")
	assert.Equal(t, a, projectID("ws-1"))
	assert.GreaterOrEqual(t, a, uint32(1000))
	assert.NotEqual(t, a, projectID("ws-2"))
}

func TestImageVariant(t *testing.T) {
	assert.Equal(t, "podex/workspace:arm64", imageVariant("podex/workspace", "arm64", false))
	assert.Equal(t, "podex/workspace:base-arm64", imageVariant("podex/workspace:base", "arm64", false))
	// GPU always pins the x86_64 variant
	assert.Equal(t, "podex/workspace:base-amd64", imageVariant("podex/workspace:base", "arm64", true))
}
