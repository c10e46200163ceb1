package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError indicates the service returned text that could not be parsed
// into the expected structure. It is never silently swallowed into an empty
// result; callers decide whether it fails their stage.
type ParseError struct {
	Cause   error
	Snippet string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing service response: %v (starts %q)", e.Cause, e.Snippet)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ParseJSONInto parses a JSON object response into a typed record,
// tolerating markdown code fences around the payload.
func ParseJSONInto(text string, out any) error {
	text = stripFences(text)
	if text == "" {
		return &ParseError{Cause: fmt.Errorf("empty response")}
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return &ParseError{Cause: err, Snippet: snippet(text)}
	}
	return nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	endIdx := len(lines) - 1
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
}

func snippet(text string) string {
	if len(text) > 60 {
		return text[:60]
	}
	return text
}
