package permission

import (
	"strings"
)

// MatchPattern checks if a command matches a wildcard pattern.
// Pattern format: "command subcommand *", "command *", "command" or "*".
// Only the bare "*" pattern matches dynamic commands.
func MatchPattern(pattern string, cmd Command) bool {
	parts := strings.Fields(pattern)
	if len(parts) == 0 {
		return false
	}

	// Global wildcard matches everything
	if parts[0] == "*" && len(parts) == 1 {
		return true
	}
	if cmd.Dynamic {
		return false
	}

	if parts[0] != "*" && parts[0] != cmd.Name {
		return false
	}

	// If only command name, must match exactly
	if len(parts) == 1 {
		return len(cmd.Args) == 0
	}

	// A trailing * matches any remaining arguments
	if parts[len(parts)-1] == "*" {
		for i := 1; i < len(parts)-1; i++ {
			argIndex := i - 1
			if argIndex >= len(cmd.Args) {
				return false
			}
			if parts[i] != "*" && parts[i] != cmd.Args[argIndex] {
				return false
			}
		}
		return true
	}

	// Exact match required
	if len(parts)-1 != len(cmd.Args) {
		return false
	}
	for i := 1; i < len(parts); i++ {
		if parts[i] != "*" && parts[i] != cmd.Args[i-1] {
			return false
		}
	}
	return true
}

// MatchAll reports whether every command matches the pattern. An empty
// command list matches nothing.
func MatchAll(pattern string, commands []Command) bool {
	if len(commands) == 0 {
		return false
	}
	for _, cmd := range commands {
		if !MatchPattern(pattern, cmd) {
			return false
		}
	}
	return true
}

// BuildPattern creates a permission pattern for a command.
// For "git commit -m msg", returns "git commit *"
// For "ls -la", returns "ls *"
func BuildPattern(cmd Command) string {
	if cmd.Subcommand != "" && len(cmd.Args) > 0 && cmd.Args[0] == cmd.Subcommand {
		return cmd.Name + " " + cmd.Subcommand + " *"
	}
	return cmd.Name + " *"
}

// BuildPatterns creates the distinct patterns covering a script. It
// returns nil if any command is dynamic, since no pattern short of "*"
// can describe it.
func BuildPatterns(commands []Command) []string {
	seen := make(map[string]bool)
	var patterns []string

	for _, cmd := range commands {
		if cmd.Dynamic {
			return nil
		}
		pattern := BuildPattern(cmd)
		if !seen[pattern] {
			seen[pattern] = true
			patterns = append(patterns, pattern)
		}
	}

	return patterns
}
