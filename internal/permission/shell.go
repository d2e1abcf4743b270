package permission

import (
	"encoding/json"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ShellTools are the tools whose input carries a shell command. Grants for
// them may be restricted with a command pattern.
var ShellTools = map[string]bool{
	"Bash":       true,
	"shell_exec": true,
}

// Command is one simple command of a shell script.
type Command struct {
	Name       string   // Command name (e.g., "rm", "git")
	Args       []string // Command arguments
	Subcommand string   // First non-flag argument (e.g., "commit" in "git commit")
	// Dynamic is set when a word depends on a parameter or command
	// substitution, so its runtime value is unknown.
	Dynamic bool
}

// ParseCommands parses a shell script into its simple commands, including
// those nested in pipelines, lists and substitutions.
func ParseCommands(script string) ([]Command, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	var commands []Command
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd, ok := extractCommand(call); ok {
				commands = append(commands, cmd)
			}
		}
		return true
	})

	return commands, nil
}

func extractCommand(call *syntax.CallExpr) (Command, bool) {
	if len(call.Args) == 0 {
		return Command{}, false
	}

	var cmd Command
	var dynamic bool
	cmd.Name, dynamic = wordToString(call.Args[0])
	if cmd.Name == "" {
		return Command{}, false
	}
	cmd.Dynamic = dynamic

	for _, arg := range call.Args[1:] {
		s, dyn := wordToString(arg)
		cmd.Dynamic = cmd.Dynamic || dyn
		cmd.Args = append(cmd.Args, s)

		if cmd.Subcommand == "" && !strings.HasPrefix(s, "-") {
			cmd.Subcommand = s
		}
	}
	return cmd, true
}

// wordToString renders a word literally. Expansions are kept as
// placeholders and reported as dynamic.
func wordToString(word *syntax.Word) (string, bool) {
	var sb strings.Builder
	dynamic := false
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				switch q := qp.(type) {
				case *syntax.Lit:
					sb.WriteString(q.Value)
				case *syntax.ParamExp, *syntax.CmdSubst:
					dynamic = true
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
			dynamic = true
		case *syntax.CmdSubst:
			sb.WriteString("$()")
			dynamic = true
		}
	}
	return sb.String(), dynamic
}

// shellInput is the input shape of the shell tools.
type shellInput struct {
	Command string `json:"command"`
}

// commandsFromInput extracts the parsed commands of a shell tool input.
func commandsFromInput(input json.RawMessage) ([]Command, error) {
	var in shellInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid shell tool input: %w", err)
	}
	if strings.TrimSpace(in.Command) == "" {
		return nil, fmt.Errorf("shell tool input has no command")
	}
	return ParseCommands(in.Command)
}
