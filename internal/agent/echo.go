package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bennoloeffler/bassi-sub003/internal/question"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// Echo is a scripted agent. Each line of the instruction is one step:
//
//	/think TEXT            emit TEXT as thinking
//	/ask QUESTION | A, B   ask a single-select question with options A, B
//	/tool NAME JSON        ask permission for NAME, then report the call
//	/sleep DURATION        wait (cancellable)
//	/save NAME TEXT        store TEXT in the workspace as NAME
//	/fail MESSAGE          fail the task
//	/panic MESSAGE         panic
//	anything else          echoed back word by word
//
// It stands in for a model-backed agent when running the server locally
// and drives the coordinator tests.
type Echo struct {
	// Delay is slept between streamed words.
	Delay time.Duration
}

// NewEcho creates an echo agent.
func NewEcho() *Echo {
	return &Echo{}
}

// Run executes the script in turn.Text.
func (e *Echo) Run(ctx context.Context, turn Turn, host Host) (Result, error) {
	var res Result
	for _, line := range strings.Split(turn.Text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Turns++
		res.InputTokens += len(strings.Fields(line))

		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "/think":
			err = host.Emit(ctx, Thinking{Text: arg})
		case "/ask":
			err = e.ask(ctx, arg, host)
		case "/tool":
			err = e.tool(ctx, arg, host)
		case "/sleep":
			err = sleep(ctx, arg)
		case "/save":
			err = e.save(ctx, arg, host)
		case "/fail":
			return res, errors.New(arg)
		case "/panic":
			panic(arg)
		default:
			n, werr := e.echo(ctx, line, host)
			res.OutputTokens += n
			err = werr
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Echo) echo(ctx context.Context, line string, host Host) (int, error) {
	words := strings.Fields(line)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if i == len(words)-1 {
			w += "\n"
		}
		if err := host.Emit(ctx, TextDelta{Text: w}); err != nil {
			return i, err
		}
		if e.Delay > 0 {
			if err := sleepFor(ctx, e.Delay); err != nil {
				return i + 1, err
			}
		}
	}
	return len(words), nil
}

func (e *Echo) ask(ctx context.Context, arg string, host Host) error {
	text, opts, _ := strings.Cut(arg, "|")
	prompt := types.Prompt{Question: strings.TrimSpace(text)}
	for _, o := range strings.Split(opts, ",") {
		if o = strings.TrimSpace(o); o != "" {
			prompt.Options = append(prompt.Options, types.Option{Label: o})
		}
	}

	answers, err := host.Ask(ctx, []types.Prompt{prompt}, 0)
	switch {
	case errors.Is(err, question.ErrUnanswered):
		return host.Emit(ctx, TextDelta{Text: "No answer, continuing.\n"})
	case err != nil:
		return err
	}
	a := answers[prompt.Question]
	choice := strings.Join(a.Selected, ", ")
	if a.Other != "" {
		choice = a.Other
	}
	return host.Emit(ctx, TextDelta{Text: fmt.Sprintf("You chose %s.\n", choice)})
}

func (e *Echo) tool(ctx context.Context, arg string, host Host) error {
	name, raw, _ := strings.Cut(arg, " ")
	input := json.RawMessage(strings.TrimSpace(raw))
	if len(input) == 0 || !json.Valid(input) {
		input = json.RawMessage("{}")
	}

	decision, err := host.CheckPermission(ctx, name, input)
	if err != nil {
		return err
	}
	if decision != types.Allow {
		return host.Emit(ctx, ToolEnd{Name: name, Output: "permission denied"})
	}
	if err := host.Emit(ctx, ToolStart{Name: name, Input: input}); err != nil {
		return err
	}
	return host.Emit(ctx, ToolEnd{Name: name, Output: "ok"})
}

func (e *Echo) save(ctx context.Context, arg string, host Host) error {
	name, content, _ := strings.Cut(arg, " ")
	f, err := host.SaveFile(ctx, name, strings.NewReader(content))
	if err != nil {
		return err
	}
	return host.Emit(ctx, ToolEnd{Name: "save", Output: f.ContentHash})
}

func sleep(ctx context.Context, arg string) error {
	d, err := time.ParseDuration(strings.TrimSpace(arg))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", arg, err)
	}
	return sleepFor(ctx, d)
}

func sleepFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
