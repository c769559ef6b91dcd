package worker

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/xerrors"
)

// resultRecord is the parsed form of the per-action result file: a single
// record
//
//	(:process-done [:result <opaque>] [:condition <string>])
//
// Absent :condition and zero exit status indicates success. The :result
// payload is opaque to the core; kiln carries it as a JSON value quoted as
// a Lisp string, since the core never interprets it beyond presence checks.
type resultRecord struct {
	Result    json.RawMessage
	Condition string
}

// writeResultFile serializes outcome into the result-file wire format.
func writeResultFile(result json.RawMessage, condition string) []byte {
	var b strings.Builder
	b.WriteString("(:process-done")
	if len(result) > 0 {
		b.WriteString(" :result ")
		writeLispString(&b, string(result))
	}
	if condition != "" {
		b.WriteString(" :condition ")
		writeLispString(&b, condition)
	}
	b.WriteString(")\n")
	return []byte(b.String())
}

func writeLispString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}

// parseResultFile parses the result-file wire format. It is small and
// hand-rolled rather than a general s-expression reader: the grammar has a
// single fixed shape (one top-level form, two optional keyword arguments,
// one quoted-string value each).
func parseResultFile(data []byte) (*resultRecord, error) {
	s := strings.TrimSpace(string(data))
	if !strings.HasPrefix(s, "(:process-done") {
		return nil, fmt.Errorf("worker: result file does not start with (:process-done: %q", s)
	}
	if !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("worker: result file does not end with ): %q", s)
	}
	body := strings.TrimSpace(s[len("(:process-done") : len(s)-1])

	var rec resultRecord
	for len(body) > 0 {
		body = strings.TrimLeftFunc(body, unicode.IsSpace)
		if body == "" {
			break
		}
		var key string
		switch {
		case strings.HasPrefix(body, ":result"):
			key = ":result"
		case strings.HasPrefix(body, ":condition"):
			key = ":condition"
		default:
			return nil, fmt.Errorf("worker: unexpected token in result file: %q", body)
		}
		body = strings.TrimLeftFunc(body[len(key):], unicode.IsSpace)
		value, rest, err := readLispString(body)
		if err != nil {
			return nil, xerrors.Errorf("worker: %s value: %w", key, err)
		}
		switch key {
		case ":result":
			rec.Result = json.RawMessage(value)
		case ":condition":
			rec.Condition = value
		}
		body = rest
	}
	return &rec, nil
}

// readLispString reads one double-quoted, backslash-escaped string from the
// front of s, returning its unescaped content and the remainder of s.
func readLispString(s string) (value, rest string, err error) {
	if len(s) == 0 || s[0] != '"' {
		return "", s, fmt.Errorf("expected opening quote, got %q", s)
	}
	var b strings.Builder
	i := 1
	for i < len(s) {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", s, fmt.Errorf("dangling escape in %q", s)
			}
			b.WriteByte(s[i+1])
			i += 2
		case '"':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return "", s, fmt.Errorf("unterminated string in %q", s)
}
