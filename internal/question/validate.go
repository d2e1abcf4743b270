package question

import (
	"fmt"
	"slices"

	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// Limits on a prompt set.
const (
	MaxPrompts = 4
	MinOptions = 2
	MaxOptions = 4
)

// ValidationError reports a malformed prompt set or answer. For answers
// the question stays pending so the client can retry.
type ValidationError struct {
	QuestionID string
	Prompt     string
	Reason     string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Prompt != "":
		return fmt.Sprintf("invalid answer for %q: %s", e.Prompt, e.Reason)
	case e.QuestionID != "":
		return fmt.Sprintf("invalid answer for question %s: %s", e.QuestionID, e.Reason)
	default:
		return "invalid question: " + e.Reason
	}
}

func validatePrompts(prompts []types.Prompt) error {
	if len(prompts) == 0 || len(prompts) > MaxPrompts {
		return &ValidationError{Reason: fmt.Sprintf("need 1 to %d prompts, got %d", MaxPrompts, len(prompts))}
	}

	seen := make(map[string]bool, len(prompts))
	for _, p := range prompts {
		if p.Question == "" {
			return &ValidationError{Reason: "prompt without question text"}
		}
		if seen[p.Question] {
			return &ValidationError{Reason: fmt.Sprintf("duplicate prompt %q", p.Question)}
		}
		seen[p.Question] = true

		if len(p.Options) < MinOptions || len(p.Options) > MaxOptions {
			return &ValidationError{
				Prompt: p.Question,
				Reason: fmt.Sprintf("need %d to %d options, got %d", MinOptions, MaxOptions, len(p.Options)),
			}
		}
		labels := make(map[string]bool, len(p.Options))
		for _, o := range p.Options {
			if o.Label == "" || labels[o.Label] {
				return &ValidationError{Prompt: p.Question, Reason: "option labels must be unique and non-empty"}
			}
			labels[o.Label] = true
		}
	}
	return nil
}

func validateAnswers(q types.Question, answers types.Answers) error {
	for key := range answers {
		if !slices.ContainsFunc(q.Prompts, func(p types.Prompt) bool { return p.Question == key }) {
			return &ValidationError{QuestionID: q.ID, Prompt: key, Reason: "no such prompt"}
		}
	}

	for _, p := range q.Prompts {
		a, ok := answers[p.Question]
		if !ok || (len(a.Selected) == 0 && a.Other == "") {
			return &ValidationError{QuestionID: q.ID, Prompt: p.Question, Reason: "not answered"}
		}
		if a.Other != "" && !p.AllowOther {
			return &ValidationError{QuestionID: q.ID, Prompt: p.Question, Reason: "free text is not allowed"}
		}

		picked := make(map[string]bool, len(a.Selected))
		for _, label := range a.Selected {
			if !slices.ContainsFunc(p.Options, func(o types.Option) bool { return o.Label == label }) {
				return &ValidationError{QuestionID: q.ID, Prompt: p.Question, Reason: fmt.Sprintf("unknown option %q", label)}
			}
			if picked[label] {
				return &ValidationError{QuestionID: q.ID, Prompt: p.Question, Reason: fmt.Sprintf("option %q selected twice", label)}
			}
			picked[label] = true
		}

		choices := len(a.Selected)
		if a.Other != "" {
			choices++
		}
		if !p.MultiSelect && choices != 1 {
			return &ValidationError{QuestionID: q.ID, Prompt: p.Question, Reason: "exactly one option must be selected"}
		}
	}
	return nil
}
