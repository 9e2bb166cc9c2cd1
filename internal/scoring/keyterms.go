package scoring

import "strings"

// MaxKeyterms caps the vocabulary hints sent to the transcription oracle.
const MaxKeyterms = 50

// Keyterms extracts recognition hints from the expected lyrics: lowercased,
// punctuation stripped, deduplicated in first-seen order, capped.
func Keyterms(lyrics string, max int) []string {
	if max <= 0 {
		max = MaxKeyterms
	}
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range strings.Fields(lyrics) {
		word := strings.ToLower(strings.TrimFunc(raw, func(r rune) bool {
			return !isWordRune(r)
		}))
		if word == "" {
			continue
		}
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		out = append(out, word)
		if len(out) >= max {
			break
		}
	}
	return out
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '\'':
		// Keep contractions intact ("don't").
		return true
	default:
		return r > 127
	}
}
