package types

// Resolution is the state of a pending question.
type Resolution string

const (
	ResolutionPending   Resolution = "pending"
	ResolutionAnswered  Resolution = "answered"
	ResolutionTimedOut  Resolution = "timed_out"
	ResolutionCancelled Resolution = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (r Resolution) Terminal() bool {
	return r != ResolutionPending && r != ""
}

// Option is one labeled choice of a prompt.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Prompt is a single question presented to the human.
type Prompt struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options"`
	MultiSelect bool     `json:"multiSelect"`
	AllowOther  bool     `json:"allowOther,omitempty"`
}

// Question is a set of prompts the agent is waiting on.
type Question struct {
	ID         string     `json:"id"`
	Prompts    []Prompt   `json:"prompts"`
	CreatedAt  int64      `json:"createdAt"`
	Deadline   int64      `json:"deadline"`
	Resolution Resolution `json:"resolution"`
}

// Answer is the human's reply to one prompt. Exactly one of Selected or
// Other is expected, except multi-select prompts may combine both.
type Answer struct {
	Selected []string `json:"selected,omitempty"`
	Other    string   `json:"other,omitempty"`
}

// Answers maps a prompt's question text to its answer.
type Answers map[string]Answer
