package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Render substitutes {{var}} placeholders from vars. Unknown placeholders
// are left intact so a missing variable is visible in the rendered output
// instead of silently disappearing.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// ContentHash identifies a rendered communication for duplicate
// suppression. Two dispatches hash equal only when the recipient and the
// fully rendered content all match.
func ContentHash(recipient, subject, body string) string {
	h := sha256.New()
	h.Write([]byte(recipient))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}
