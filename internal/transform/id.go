package transform

import (
	"strings"
	"unicode"

	"github.com/sells-group/hmo-register/internal/model"
)

// HMOID derives the row key from an address: all whitespace removed, lower-cased.
// Addresses differing only in spacing or case share an id. Uniqueness is
// left to the warehouse write path.
func HMOID(address string) string {
	var b strings.Builder
	b.Grow(len(address))
	for _, r := range address {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// DeriveIDs sets HMOID on every row from its address.
func DeriveIDs(t *model.Table) {
	for i := range t.Rows {
		t.Rows[i].HMOID = HMOID(t.Rows[i].Address)
	}
}
