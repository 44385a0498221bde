package jobsource

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Record is one parsed job: generate artwork for Prompt and file the results
// under Style/ID. Seed is nil when the line carries no seed.
type Record struct {
	ID     string `json:"id"`
	Style  string `json:"style"`
	Prompt string `json:"prompt"`
	Seed   *int   `json:"seed,omitempty"`
}

// ParseRecord decodes a raw line. Unknown fields are ignored and an
// oversized line is always a ParseError. The id and style
// must be non-empty, and the id may not contain "/" because it forms the last
// segment of every storage key.
func ParseRecord(line Line) (Record, error) {
	if line.Oversized {
		return Record{}, &ParseError{Line: line.Number, Err: ErrLineTooLong}
	}
	var rec Record
	if err := json.Unmarshal([]byte(line.Text), &rec); err != nil {
		return Record{}, &ParseError{Line: line.Number, Err: err}
	}
	switch {
	case rec.ID == "":
		return Record{}, &ParseError{Line: line.Number, Err: fmt.Errorf("missing id")}
	case rec.Style == "":
		return Record{}, &ParseError{Line: line.Number, Err: fmt.Errorf("missing style")}
	case strings.Contains(rec.ID, "/"):
		return Record{}, &ParseError{Line: line.Number, Err: fmt.Errorf("id %q contains '/'", rec.ID)}
	}
	return rec, nil
}

// PromptText is the prompt sent to the generation service, with a seed
// directive appended when the record has one.
func (r Record) PromptText() string {
	if r.Seed == nil {
		return r.Prompt
	}
	return fmt.Sprintf("%s --seed %d", r.Prompt, *r.Seed)
}
