package retrieval

import (
	"strings"
	"unicode/utf8"
)

// Default chunking parameters.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

type span struct{ start, end int }

// Split cuts text into chunks of at most size bytes that overlap by
// overlap bytes. A cut that lands past the middle of a chunk is moved back
// to just after the last sentence end or newline in the chunk. Cuts never
// split a UTF-8 sequence.
func Split(text string, size, overlap int) []string {
	spans := splitSpans(text, size, overlap)
	out := make([]string, 0, len(spans))
	for _, s := range spans {
		out = append(out, text[s.start:s.end])
	}
	return out
}

func splitSpans(text string, size, overlap int) []span {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var spans []span
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			end = len(text)
		} else {
			window := text[start:end]
			cut := strings.LastIndexAny(window, ".!?\n")
			if cut > size/2 {
				end = start + cut + 1
			} else {
				end = runeFloor(text, end)
				if end <= start {
					_, n := utf8.DecodeRuneInString(text[start:])
					end = start + n
				}
			}
		}

		if strings.TrimSpace(text[start:end]) != "" {
			spans = append(spans, span{start, end})
		}
		if end == len(text) {
			break
		}

		next := runeFloor(text, end-overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return spans
}

// runeFloor moves i back to the start of the UTF-8 sequence containing it.
func runeFloor(text string, i int) int {
	for i > 0 && i < len(text) && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}
