package toolexec

import "strings"

// shellMetacharacters are the sequences that chain or substitute commands.
// A command containing any of them never matches an allowlist pattern by
// prefix, only by full equality against a pattern that was explicitly
// approved with them included.
var shellMetacharacters = []string{"&&", "||", ";", "|", "`", "$(", "${", "<(", ">("}

// containsShellMetacharacter reports whether the command can escape a
// single-program invocation.
func containsShellMetacharacter(command string) bool {
	for _, meta := range shellMetacharacters {
		if strings.Contains(command, meta) {
			return true
		}
	}
	return false
}

// validPattern rejects patterns carrying glob characters; allowlist entries
// are exact strings only.
func validPattern(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?[]")
}

// MatchesAllowlist reports whether a command is covered by the allowlist.
// A command matches a pattern when:
//
//	(a) the full command equals the pattern, or
//	(b) the command's first token equals the pattern and the command has
//	    no shell metacharacter, or
//	(c) the command starts with pattern+" " and the command has no shell
//	    metacharacter.
//
// So "npm" covers "npm install lodash" but not "npm && rm -rf /".
func MatchesAllowlist(command string, patterns []string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	firstToken := command
	if idx := strings.IndexAny(command, " \t"); idx >= 0 {
		firstToken = command[:idx]
	}
	hasMeta := containsShellMetacharacter(command)

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || !validPattern(pattern) {
			continue
		}
		if command == pattern {
			return true
		}
		if hasMeta {
			continue
		}
		if firstToken == pattern {
			return true
		}
		if strings.HasPrefix(command, pattern+" ") {
			return true
		}
	}
	return false
}
