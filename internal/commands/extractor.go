// Package commands finds spoken control phrases ("new room kitchen", "flag
// that", "tag this job as ...") in a transcript, strips them from the text,
// and turns them into structured metadata.
package commands

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind names one class of control phrase.
type Kind string

const (
	KindStart       Kind = "start"
	KindStop        Kind = "stop"
	KindAttachPlan  Kind = "attach_plan"
	KindTakePhoto   Kind = "take_photo"
	KindNewRoom     Kind = "new_room"
	KindFlag        Kind = "flag"
	KindTagJob      Kind = "tag_job"
	KindAcknowledge Kind = "acknowledge"
)

// arg captures a short spoken argument: one to n words, stopping at punctuation.
func arg(maxWords int) string {
	return `([a-z0-9][a-z0-9'\-]*(?:[ \t]+[a-z0-9][a-z0-9'\-]*){0,` + strconv.Itoa(maxWords-1) + `})`
}

const (
	tail = `\b[.,!?]?`
	// sep joins a phrase to its argument; transcribers often put a comma or
	// colon there.
	sep = `[\s,:]+`

	// Job tags, in order of preference: words up to a lot number, words up
	// to a bare number, or a short freeform name.
	tagLot     = `((?:[a-z0-9][a-z0-9'\-]*[ \t,]+){1,4}?(?:lot|number)[ \t]*#?[ \t]*[a-z0-9\-]*\d[a-z0-9\-]*)`
	tagNumber  = `((?:[a-z][a-z'\-]*[ \t,]+){1,4}?#?\d[a-z0-9\-]*)`
	maxTagName = 3
	maxRoom    = 3
	maxPlan    = 4
)

type phrase struct {
	kind Kind
	re   *regexp.Regexp
	// trim is the capture group cut at the first stopword, 0 for none.
	trim int
}

// vocabulary is scanned in order; an earlier entry wins when two matches overlap
// at the same offset.
var vocabulary = []phrase{
	{KindStart, regexp.MustCompile(`(?i)\b(?:start|begin)\s+(?:the\s+)?walk(?:[\s\-]?through)?` + tail), 0},
	{KindStop, regexp.MustCompile(`(?i)\b(?:stop|end|finish)\s+(?:the\s+)?walk(?:[\s\-]?through)?` + tail), 0},
	{KindAttachPlan, regexp.MustCompile(`(?i)\battach\s+(?:the\s+)?plans?(?:\s+(?:for|named|called)` + sep + `(?:the\s+)?` + arg(maxPlan) + `)?` + tail), 1},
	{KindTakePhoto, regexp.MustCompile(`(?i)\btake\s+(?:a\s+)?(?:photo|picture|pic)` + tail), 0},
	{KindNewRoom, regexp.MustCompile(`(?i)\bnew\s+room` + sep + `(?:the\s+)?` + arg(maxRoom) + tail), 1},
	{KindFlag, regexp.MustCompile(`(?i)\bflag\s+(?:that|this|it)` + tail), 0},
	{KindTagJob, regexp.MustCompile(`(?i)\btag` + sep + `(?:this\s+)?job` + sep + `(?:(?:as|to)` + sep + `)?(?:` + tagLot + `|` + tagNumber + `|` + arg(maxTagName) + `)` + tail), 3},
	{KindAcknowledge, regexp.MustCompile(`(?i)\b(?:acknowledged|copy\s+that)` + tail), 0},
}

// stopwords end a freeform argument: speech rarely pauses between a room
// name and the sentence that follows it.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "this": true, "that": true, "these": true, "those": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true, "has": true,
	"have": true, "had": true, "and": true, "but": true, "so": true, "then": true, "there": true,
	"it": true, "its": true, "it's": true, "we": true, "i": true, "you": true, "they": true,
	"he": true, "she": true, "looks": true, "needs": true, "need": true, "got": true,
	"should": true, "will": true, "can": true, "still": true, "not": true, "no": true,
	"with": true, "hasn't": true, "isn't": true, "doesn't": true, "don't": true, "okay": true, "ok": true,
}

// cutArg returns the byte length of s before its first stopword.
func cutArg(s string) int {
	i := 0
	for i < len(s) {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		j := i
		for j < len(s) && !isSpace(s[j]) {
			j++
		}
		if j > i && stopwords[strings.ToLower(s[i:j])] {
			return len(strings.TrimRight(s[:i], " \t"))
		}
		i = j
	}
	return len(s)
}

// submatch returns the first capture group that took part in the match.
func submatch(loc []int) (group, start, end int) {
	for g := 1; 2*g+1 < len(loc); g++ {
		if loc[2*g] >= 0 {
			return g, loc[2*g], loc[2*g+1]
		}
	}
	return 0, -1, -1
}

// Match is one recognized control phrase.
type Match struct {
	Kind Kind   `json:"kind"`
	Raw  string `json:"raw"`
	Arg  string `json:"arg,omitempty"`
	// Offset is the byte offset of Raw in the original transcript.
	Offset int `json:"offset"`
	// CleanOffset is where the phrase sat in the cleaned text.
	CleanOffset int `json:"clean_offset"`
}

// Extraction is the result of scanning a transcript.
type Extraction struct {
	Cleaned string
	Matches []Match
}

// Extract scans text for every phrase class, removes the matched spans, and
// collapses the whitespace left behind. Matches are returned in transcript
// order. Text without any control phrase is returned unchanged.
func Extract(text string) Extraction {
	var found []Match
	for _, p := range vocabulary {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			m := Match{Kind: p.kind, Raw: text[loc[0]:loc[1]], Offset: loc[0]}
			if g, start, end := submatch(loc); g > 0 {
				if g == p.trim {
					if n := cutArg(text[start:end]); n < end-start {
						if n == 0 && p.kind != KindAttachPlan {
							// "new room is done" is speech, not a command.
							continue
						}
						end = start + n
						m.Raw = strings.TrimRight(text[loc[0]:end], " \t,:")
					}
				}
				m.Arg = strings.TrimSpace(text[start:end])
			}
			found = append(found, m)
		}
	}
	if len(found) == 0 {
		return Extraction{Cleaned: text}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].Offset < found[j].Offset })

	// Drop matches that overlap an earlier accepted one.
	accepted := found[:0]
	end := -1
	for _, m := range found {
		if m.Offset < end {
			continue
		}
		accepted = append(accepted, m)
		end = m.Offset + len(m.Raw)
	}

	var b strings.Builder
	b.Grow(len(text))
	space := false
	write := func(s string) {
		for i := 0; i < len(s); i++ {
			c := s[i]
			if isSpace(c) {
				if !space && b.Len() > 0 {
					b.WriteByte(' ')
				}
				space = true
				continue
			}
			b.WriteByte(c)
			space = false
		}
	}

	pos := 0
	for i := range accepted {
		m := &accepted[i]
		write(text[pos:m.Offset])
		m.CleanOffset = b.Len()
		write(" ")
		pos = m.Offset + len(m.Raw)
	}
	write(text[pos:])

	cleaned := strings.TrimRight(b.String(), " ")
	for i := range accepted {
		if accepted[i].CleanOffset > len(cleaned) {
			accepted[i].CleanOffset = len(cleaned)
		}
	}
	return Extraction{Cleaned: cleaned, Matches: accepted}
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
