package services

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseStatus tags the outcome of extracting a JSON object from model output
type ParseStatus int

const (
	// ParseOK means Value holds the decoded object
	ParseOK ParseStatus = iota
	// ParseMissing means no object start was found
	ParseMissing
	// ParseIncomplete means the object started but has not closed yet
	ParseIncomplete
	// ParseInvalid means the object closed but did not decode
	ParseInvalid
)

func (s ParseStatus) String() string {
	switch s {
	case ParseOK:
		return "ok"
	case ParseMissing:
		return "missing"
	case ParseIncomplete:
		return "incomplete"
	case ParseInvalid:
		return "invalid"
	}
	return fmt.Sprintf("ParseStatus(%d)", int(s))
}

// ParseResult is the tagged outcome of a parse. End is the offset just past
// the object when Status is ParseOK or ParseInvalid.
type ParseResult[T any] struct {
	Status ParseStatus
	Value  T
	Raw    string
	End    int
	Err    error
}

// OK reports whether Value is usable
func (r ParseResult[T]) OK() bool {
	return r.Status == ParseOK
}

// ParseKeyedObject finds `"key": { ... }` in text at or after from and decodes the object into T
func ParseKeyedObject[T any](text, key string, from int) ParseResult[T] {
	start, found := findKeyedObjectStart(text, key, from)
	if !found {
		return ParseResult[T]{Status: ParseMissing}
	}
	return decodeObjectAt[T](text, start)
}

// ParseFirstObject decodes the first top-level JSON object in text.
// Code fences and prose around the object are ignored.
func ParseFirstObject[T any](text string) ParseResult[T] {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ParseResult[T]{Status: ParseMissing}
	}
	return decodeObjectAt[T](text, start)
}

func decodeObjectAt[T any](text string, start int) ParseResult[T] {
	end, closed := scanBalancedObject(text, start)
	if !closed {
		return ParseResult[T]{Status: ParseIncomplete}
	}

	raw := text[start:end]
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return ParseResult[T]{Status: ParseInvalid, Raw: raw, End: end, Err: err}
	}
	return ParseResult[T]{Status: ParseOK, Value: value, Raw: raw, End: end}
}

// findKeyedObjectStart returns the index of the '{' that opens the value of
// the quoted key. Occurrences not followed by ':' and '{' are skipped.
func findKeyedObjectStart(text, key string, from int) (int, bool) {
	needle := `"` + key + `"`
	for from <= len(text) {
		idx := strings.Index(text[from:], needle)
		if idx < 0 {
			return 0, false
		}
		pos := from + idx + len(needle)
		pos = skipSpace(text, pos)
		if pos < len(text) && text[pos] == ':' {
			pos = skipSpace(text, pos+1)
			if pos < len(text) && text[pos] == '{' {
				return pos, true
			}
			if pos >= len(text) {
				// Key and colon seen, value not streamed yet
				return 0, false
			}
		}
		from = from + idx + len(needle)
	}
	return 0, false
}

// scanBalancedObject returns the offset just past the '}' matching the '{' at
// start. Braces inside strings and escaped quotes are ignored.
func scanBalancedObject(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func skipSpace(text string, pos int) int {
	for pos < len(text) {
		switch text[pos] {
		case ' ', '\t', '\n', '\r':
			pos++
		default:
			return pos
		}
	}
	return pos
}
