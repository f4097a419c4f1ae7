package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// dnSpecials must always be escaped inside an RDN value (RFC 4514 section 2.4).
const dnSpecials = `,+"\<>;`

// escapeAttributeValue escapes an RDN attribute value for use in a DN string.
// Leading '#' and leading or trailing spaces are escaped too.
func escapeAttributeValue(value string) string {
	var b strings.Builder
	b.Grow(len(value))

	last := len(value) - 1
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c == 0:
			b.WriteString(`\00`)
			continue
		case strings.IndexByte(dnSpecials, c) >= 0,
			c == '#' && i == 0,
			c == ' ' && (i == 0 || i == last):
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}

	return b.String()
}

// EscapeFilterValue escapes value for an LDAP search filter assertion (RFC 4515).
// User-supplied names always pass through here before reaching a filter.
func EscapeFilterValue(value string) string {
	return ldap.EscapeFilter(value)
}
