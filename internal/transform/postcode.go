package transform

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hmo-register/internal/model"
)

// DefaultAreas are the town names that precede the postcode in register addresses.
var DefaultAreas = []string{"Leeds", "Pudsey", "Otley", "Wetherby"}

// Spreadsheet exports often carry non-breaking spaces, so whitespace here
// includes the Unicode separators as well as ASCII \s.
const (
	wsClass    = `[\s\p{Z}]`
	nonWSClass = `[^\s\p{Z}]`
)

// PostcodeExtractor pulls the trailing postcode out of an address: one of the
// configured area names, then exactly two whitespace-separated tokens at the
// end of the string.
type PostcodeExtractor struct {
	re *regexp.Regexp
}

// NewPostcodeExtractor compiles an extractor for the given area names.
// Area names are matched literally and case-insensitively.
func NewPostcodeExtractor(areas []string) (*PostcodeExtractor, error) {
	quoted := make([]string, 0, len(areas))
	for _, a := range areas {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(a))
	}
	if len(quoted) == 0 {
		return nil, eris.New("transform: no postcode areas configured")
	}
	pattern := `(?i)(?:` + strings.Join(quoted, "|") + `)` +
		wsClass + `+(` + nonWSClass + `+` + wsClass + `+` + nonWSClass + `+)$`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, eris.Wrap(err, "transform: compile postcode pattern")
	}
	return &PostcodeExtractor{re: re}, nil
}

// Extract returns the postcode in canonical form (upper case, single inner
// space), or nil when no area name is followed by a two-token suffix.
func (e *PostcodeExtractor) Extract(address string) *string {
	m := e.re.FindStringSubmatch(strings.TrimRightFunc(address, unicode.IsSpace))
	if m == nil {
		return nil
	}
	pc := strings.ToUpper(strings.Join(strings.Fields(m[1]), " "))
	return &pc
}

// AddPostcodes sets Postcode on every row. Rows without a match keep nil.
func (e *PostcodeExtractor) AddPostcodes(t *model.Table) {
	for i := range t.Rows {
		t.Rows[i].Postcode = e.Extract(t.Rows[i].Address)
	}
}

// UniquePostcodes returns the distinct non-null postcodes in first-seen order.
func UniquePostcodes(t *model.Table) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range t.Rows {
		if r.Postcode == nil || seen[*r.Postcode] {
			continue
		}
		seen[*r.Postcode] = true
		out = append(out, *r.Postcode)
	}
	return out
}
