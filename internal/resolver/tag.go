package resolver

import (
	"regexp"
	"strings"
)

// Identity is the set of fields that can identify a Job.
type Identity struct {
	BuilderName string `json:"builder_name,omitempty"`
	Subdivision string `json:"subdivision,omitempty"`
	LotNumber   string `json:"lot_number,omitempty"`
}

// Empty reports whether no identifying field is set.
func (id Identity) Empty() bool {
	return id.BuilderName == "" && id.Subdivision == "" && id.LotNumber == ""
}

// Keyed reports whether both subdivision and lot are set.
func (id Identity) Keyed() bool {
	return id.Subdivision != "" && id.LotNumber != ""
}

var (
	// "Oak Creek lot 42", "Oak Creek, lot #42", "oak creek number 42"
	lotWordRe = regexp.MustCompile(`(?i)^(.+?)[\s,]+(?:lot|#|number|no\.?)\s*#?\s*([a-z0-9\-]*[0-9][a-z0-9\-]*)$`)
	// "Oak Creek 42"
	trailingNumRe = regexp.MustCompile(`(?i)^(.+?)[\s,]+([0-9][a-z0-9\-]*)$`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

// ParseTag splits a spoken job tag into subdivision and lot number. ok is
// false when the tag does not follow a subdivision+lot pattern.
func ParseTag(tag string) (subdivision, lot string, ok bool) {
	t := strings.TrimSpace(spaceRe.ReplaceAllString(tag, " "))
	t = strings.TrimRight(t, ".,!?")
	for _, re := range []*regexp.Regexp{lotWordRe, trailingNumRe} {
		if m := re.FindStringSubmatch(t); m != nil {
			sub := strings.TrimSpace(strings.TrimRight(m[1], ","))
			if sub == "" || strings.EqualFold(sub, "lot") {
				continue
			}
			return sub, m[2], true
		}
	}
	return "", "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
