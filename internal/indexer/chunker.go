package indexer

import (
	"strings"
	"unicode"
)

const (
	DefaultWindowWords  = 500
	DefaultOverlapWords = 100
	// MinWindowChars drops near-empty windows that only add noise to the index.
	MinWindowChars = 20
)

// Window is one overlapping slice of the source text. Start and End are byte
// offsets into the text that was chunked.
type Window struct {
	Text  string
	Start int
	End   int
}

type span struct{ start, end int }

// ChunkText splits text into windows of size words, each sharing overlap
// words with the previous one. Windows shorter than MinWindowChars after
// trimming are not emitted.
func ChunkText(text string, size, overlap int) []Window {
	if size <= 0 {
		size = DefaultWindowWords
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	words := wordSpans(text)
	if len(words) == 0 {
		return nil
	}

	step := size - overlap
	var out []Window
	for i := 0; i < len(words); i += step {
		j := min(i+size, len(words))
		w := Window{Start: words[i].start, End: words[j-1].end}
		w.Text = strings.TrimSpace(text[w.Start:w.End])
		if len(w.Text) >= MinWindowChars {
			out = append(out, w)
		}
		if j == len(words) {
			break
		}
	}
	return out
}

func wordSpans(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, span{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start, len(text)})
	}
	return spans
}

// containsAny reports whether any offset falls inside w. An offset equal to
// End counts, since a stripped phrase sits just after the preceding word.
func (w Window) containsAny(offsets []int) bool {
	for _, o := range offsets {
		if o >= w.Start && o <= w.End+1 {
			return true
		}
	}
	return false
}
