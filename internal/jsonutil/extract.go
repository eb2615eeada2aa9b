// Package jsonutil recovers structured payloads from model output.
// Models asked for JSON return it wrapped in prose, fenced in
// markdown, or alongside stray fragments; extraction is tolerant and
// schema validation makes the fallback path explicit at each call
// site.
package jsonutil

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var ErrNoObject = errors.New("no JSON object found")

// ExtractObject returns the largest valid top-level JSON object
// embedded in text. It tolerates pure JSON, JSON wrapped in prose,
// fenced code blocks, and multiple candidate objects (largest by
// serialized size wins).
func ExtractObject(text string) ([]byte, error) {
	var best []byte
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				candidate := []byte(text[start : i+1])
				if json.Valid(candidate) && len(candidate) > len(best) {
					best = candidate
				}
				start = -1
			}
		}
	}
	if best == nil {
		return nil, ErrNoObject
	}
	return best, nil
}

// DecodeValidated extracts a JSON object from text, checks it against
// schema, and unmarshals it into v. Any failure returns an error; the
// caller owns the fallback default.
func DecodeValidated(text string, schema *jsonschema.Schema, v any) error {
	raw, err := ExtractObject(text)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode object: %w", err)
	}
	if schema != nil {
		if err := schema.Validate(generic); err != nil {
			return fmt.Errorf("schema validation: %w", err)
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal object: %w", err)
	}
	return nil
}

// MustSchema compiles an inline schema document at package init time.
func MustSchema(name, doc string) *jsonschema.Schema {
	s, err := jsonschema.CompileString(name, doc)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return s
}
