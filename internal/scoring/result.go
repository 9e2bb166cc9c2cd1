// Package scoring is the serialization boundary between local audio and the
// remote executor, plus the clients for the transcription and scoring
// oracles the executor calls.
package scoring

import "math"

// LineScore is the oracle's judgment of one lyric line.
type LineScore struct {
	LineIndex       int    `json:"lineIndex"`
	Score           int    `json:"score"`
	NeedsPractice   bool   `json:"needsPractice"`
	ExpectedText    string `json:"expectedText,omitempty"`
	TranscribedText string `json:"transcribedText,omitempty"`
}

// Details is the oracle's structured verdict. OverallScore must equal the
// rounded mean of the line scores; Normalize enforces that.
type Details struct {
	OverallScore int         `json:"overall_score"`
	Lines        []LineScore `json:"lines"`
}

// Result is the decoded scoring outcome. Exactly one of Success or Failure
// applies; the interface makes handling exhaustive at compile time.
type Result interface {
	isResult()
}

// Success carries the score and transcript. Lines is nil when the oracle
// returned only an aggregate score.
type Success struct {
	Score      int
	Transcript string
	Lines      []LineScore
}

// Failure carries the executor's error string.
type Failure struct {
	Err string
}

func (Success) isResult() {}
func (Failure) isResult() {}

// RoundMean returns the arithmetic mean rounded to the nearest integer.
func RoundMean(scores []int) int {
	if len(scores) == 0 {
		return 0
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return int(math.Round(float64(sum) / float64(len(scores))))
}

// Clamp bounds a score to [0,100].
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Normalize clamps every line score and recomputes the overall score from
// the per-line mean. Oracles are trusted for judgment, not arithmetic.
func Normalize(d Details) Details {
	if len(d.Lines) == 0 {
		d.OverallScore = Clamp(d.OverallScore)
		return d
	}
	scores := make([]int, len(d.Lines))
	for i := range d.Lines {
		d.Lines[i].Score = Clamp(d.Lines[i].Score)
		scores[i] = d.Lines[i].Score
	}
	d.OverallScore = RoundMean(scores)
	return d
}
