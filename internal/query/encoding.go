package query

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// legacyCodePages are tried in order when a field is not valid UTF-8.
// SA:MP servers routinely send windows-1251 (Cyrillic hosting is common)
// or windows-1252 text with no charset signalling.
var legacyCodePages = []*charmap.Charmap{
	charmap.Windows1251,
	charmap.Windows1252,
	charmap.ISO8859_1,
}

// decodeText converts an untrusted byte field to a string. UTF-8 is
// attempted first; on invalid input each legacy code page is tried and
// the first decode free of replacement runes wins, with a best-effort
// windows-1252 decode as the last resort. The raw field is capped at
// maxLen bytes before decoding and the result is trimmed.
func decodeText(b []byte, maxLen int) string {
	if len(b) > maxLen {
		b = b[:maxLen]
	}

	if utf8.Valid(b) {
		return strings.TrimSpace(string(b))
	}

	for _, cp := range legacyCodePages {
		s, err := cp.NewDecoder().String(string(b))
		if err != nil {
			continue
		}
		if !strings.ContainsRune(s, utf8.RuneError) {
			return strings.TrimSpace(s)
		}
	}

	s, _ := charmap.Windows1252.NewDecoder().String(string(b))
	return strings.TrimSpace(s)
}
