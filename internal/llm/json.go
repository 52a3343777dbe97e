package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ErrNoJSON is returned when no JSON value can be recovered from text.
var ErrNoJSON = eris.New("llm: no parseable json in response")

// ExtractJSON recovers a JSON value from model output. It strips Markdown
// fences, slices to the outermost object or array and removes trailing
// commas. It never invents content.
func ExtractJSON(text string) (any, error) {
	text = strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	candidates := []string{text}
	if s := outermost(text); s != "" && s != text {
		candidates = append(candidates, s)
	}
	for _, c := range candidates {
		var v any
		if err := json.Unmarshal([]byte(c), &v); err == nil {
			return v, nil
		}
		repaired := trailingCommaRe.ReplaceAllString(c, "$1")
		if err := json.Unmarshal([]byte(repaired), &v); err == nil {
			return v, nil
		}
	}
	return nil, ErrNoJSON
}

// outermost returns text from the first '{' or '[' to the last matching
// closer.
func outermost(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return ""
	}
	return text[start : end+1]
}

// AsObject returns v as a JSON object. Arrays are wrapped under "items".
func AsObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		return map[string]any{"items": t}
	}
	return map[string]any{}
}
