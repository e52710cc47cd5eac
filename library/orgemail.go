package library

import (
	"math/rand/v2"
	"strings"
)

const orgEmailChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// OrgEmail builds "first_second_xyz@domain" from the first two words of
// name plus three random characters.
func OrgEmail(name, domain string) string {
	parts := strings.Fields(strings.ToLower(name))
	if len(parts) > 2 {
		parts = parts[:2]
	}
	var sb strings.Builder
	sb.WriteString(strings.Join(parts, "_"))
	sb.WriteByte('_')
	for i := 0; i < 3; i++ {
		sb.WriteByte(orgEmailChars[rand.IntN(len(orgEmailChars))])
	}
	sb.WriteByte('@')
	sb.WriteString(domain)
	return sb.String()
}
