package scoring

import (
	"fmt"
	"strings"
)

// BuildScoringPrompt renders the strict scoring contract for the language
// model: numbered expected lines, the transcript, the rubric, and a demand
// for bare JSON. The arithmetic in the reply is still re-checked locally.
func BuildScoringPrompt(expectedLines []string, transcript string) string {
	var sb strings.Builder
	sb.WriteString("You are grading a karaoke performance. Compare what the singer actually said against the expected lyrics, line by line.\n\n")
	sb.WriteString("Expected lyrics:\n")
	for i, line := range expectedLines {
		fmt.Fprintf(&sb, "%d. %s\n", i, line)
	}
	sb.WriteString("\nTranscript of the singer:\n")
	sb.WriteString(transcript)
	sb.WriteString("\n\nScoring rubric (apply strictly):\n")
	sb.WriteString("- 100: exact match, ignoring case and punctuation.\n")
	sb.WriteString("- 90-99: only minor function words (a, the, and) missing.\n")
	sb.WriteString("- 70-89: the key words are present but with substitutions.\n")
	sb.WriteString("- 50-69: roughly half the words correct, in order.\n")
	sb.WriteString("- 20-49: mostly wrong.\n")
	sb.WriteString("- 0-19: unrelated. A single out-of-context word scores 0, never partial credit.\n")
	sb.WriteString("\nRespond with ONLY a JSON object, no prose, no code fences:\n")
	sb.WriteString(`{"overall_score": <int>, "lines": [{"lineIndex": <int>, "score": <int 0-100>, "needsPractice": <bool>, "expectedText": <string>, "transcribedText": <string>}]}`)
	sb.WriteString("\noverall_score must equal the arithmetic mean of the line scores, rounded.\n")
	return sb.String()
}

// stripCodeFences tolerates models that wrap JSON in markdown fences despite
// the instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
