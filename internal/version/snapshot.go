package version

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrMalformedVersionReference is returned when a download reference carries
// no DD.MM.YYYY token. Without it no snapshot can be named, so it is fatal.
var ErrMalformedVersionReference = eris.New("version: malformed version reference")

// dateToken matches any 2-2-4 digit grouping. Calendar validity is not checked.
var dateToken = regexp.MustCompile(`\d{2}\.\d{2}\.\d{4}`)

// SnapshotID extracts the first DD.MM.YYYY token from ref and returns it
// with the separators removed: ".../15.02.2024.xlsx" becomes "15022024".
func SnapshotID(ref string) (string, error) {
	token := dateToken.FindString(ref)
	if token == "" {
		return "", eris.Wrapf(ErrMalformedVersionReference, "no date token in %q", ref)
	}
	return strings.ReplaceAll(token, ".", ""), nil
}
