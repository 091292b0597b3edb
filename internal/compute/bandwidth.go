package compute

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// CommandRunner executes a host-side shell command. The default runs
// locally; an SSH-backed runner covers remote hosts.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

func localRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Shaper applies per-container egress limits on the host side, where the
// container cannot undo them. Disabled in development.
type Shaper struct {
	enabled bool
	run     CommandRunner
}

// NewShaper returns a shaper; pass enabled=false for a no-op.
func NewShaper(enabled bool) *Shaper {
	return &Shaper{enabled: enabled, run: localRunner}
}

// ApplyEgressLimit attaches a tbf qdisc to the host-side veth of the
// container with the given pid. The veth is found by reading the peer
// ifindex from inside the container's netns and matching it on the host.
func (s *Shaper) ApplyEgressLimit(ctx context.Context, pid int, mbps int64) error {
	if s == nil || !s.enabled {
		return nil
	}
	if pid <= 0 || mbps <= 0 {
		return fmt.Errorf("invalid shaping target pid=%d mbps=%d", pid, mbps)
	}

	veth, err := s.hostVeth(ctx, pid)
	if err != nil {
		return fmt.Errorf("resolve veth for pid %d: %w", pid, err)
	}

	// replace is idempotent across restarts
	rate := strconv.FormatInt(mbps, 10) + "mbit"
	out, err := s.run(ctx, "tc", "qdisc", "replace", "dev", veth,
		"root", "tbf", "rate", rate, "burst", "32kbit", "latency", "400ms")
	if err != nil {
		return fmt.Errorf("tc qdisc replace on %s: %v: %s", veth, err, strings.TrimSpace(out))
	}
	log.Info().Str("veth", veth).Int64("mbps", mbps).Msg("egress limit applied")
	return nil
}

// hostVeth maps a container pid to its host-side veth interface name.
func (s *Shaper) hostVeth(ctx context.Context, pid int) (string, error) {
	// eth0's peer ifindex, read from inside the container's netns
	out, err := s.run(ctx, "nsenter", "-t", strconv.Itoa(pid), "-n",
		"cat", "/sys/class/net/eth0/iflink")
	if err != nil {
		return "", fmt.Errorf("read peer ifindex: %v: %s", err, strings.TrimSpace(out))
	}
	ifindex := strings.TrimSpace(out)
	if ifindex == "" {
		return "", fmt.Errorf("empty peer ifindex for pid %d", pid)
	}

	links, err := s.run(ctx, "ip", "-o", "link", "show")
	if err != nil {
		return "", fmt.Errorf("list host links: %w", err)
	}
	name := parseLinkByIndex(links, ifindex)
	if name == "" {
		return "", fmt.Errorf("no host interface with ifindex %s", ifindex)
	}
	return name, nil
}

// parseLinkByIndex finds the interface name for an ifindex in
// `ip -o link show` output. Lines look like:
//
//	17: veth1a2b3c@if16: <BROADCAST,...> mtu 1500 ...
func parseLinkByIndex(output, ifindex string) string {
	for _, line := range strings.Split(output, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), ifindex+":")
		if !ok {
			continue
		}
		name := strings.TrimSpace(rest)
		if i := strings.IndexAny(name, "@:"); i >= 0 {
			name = name[:i]
		}
		if name != "" {
			return name
		}
	}
	return ""
}
