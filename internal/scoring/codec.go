package scoring

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var ErrMalformedResponse = errors.New("scoring: malformed oracle response")

// Request is the wire payload sent to the executor. It carries no secrets.
type Request struct {
	AudioDataBase64 string `json:"audioDataBase64"`
	ExpectedLyrics  string `json:"expectedLyrics"`
	UserAddress     string `json:"userAddress"`
}

// encodeChunkSize keeps each write to the base64 stream small so payload
// size never depends on a single huge buffer conversion.
const encodeChunkSize = 8 << 10

// EncodeRequest packages audio bytes and expected text for transport.
func EncodeRequest(audio []byte, expectedLyrics, userAddress string) Request {
	return Request{
		AudioDataBase64: EncodeAudioBase64(audio),
		ExpectedLyrics:  expectedLyrics,
		UserAddress:     userAddress,
	}
}

// EncodeAudioBase64 streams the audio through a base64 encoder in fixed-size
// chunks and concatenates the output.
func EncodeAudioBase64(audio []byte) string {
	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(audio)))
	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	for off := 0; off < len(audio); off += encodeChunkSize {
		end := off + encodeChunkSize
		if end > len(audio) {
			end = len(audio)
		}
		// strings.Builder writes never fail.
		enc.Write(audio[off:end])
	}
	enc.Close()
	return sb.String()
}

// DecodeAudio reverses EncodeAudioBase64.
func DecodeAudio(b64 string) ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad audio base64: %v", ErrMalformedResponse, err)
	}
	return audio, nil
}

// responseSchema pins the shape and bounds of the executor's envelope.
// Fields beyond `success` and `timestamp` stay optional so partial
// responses degrade instead of failing.
const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["success", "timestamp"],
  "properties": {
    "success": {"type": "boolean"},
    "score": {"type": "integer", "minimum": 0, "maximum": 100},
    "transcript": {"type": "string"},
    "error": {"type": "string"},
    "timestamp": {"type": "integer"},
    "scoringDetails": {
      "type": "object",
      "required": ["overall_score"],
      "properties": {
        "overall_score": {"type": "integer"},
        "lines": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["lineIndex", "score"],
            "properties": {
              "lineIndex": {"type": "integer", "minimum": 0},
              "score": {"type": "integer"},
              "needsPractice": {"type": "boolean"},
              "expectedText": {"type": "string"},
              "transcribedText": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var compiledResponseSchema = jsonschema.MustCompileString("scoring_response.json", responseSchema)

type responseEnvelope struct {
	Success        bool     `json:"success"`
	Score          *int     `json:"score,omitempty"`
	Transcript     string   `json:"transcript,omitempty"`
	ScoringDetails *Details `json:"scoringDetails,omitempty"`
	Error          string   `json:"error,omitempty"`
	Timestamp      int64    `json:"timestamp"`
}

// DecodeResponse parses and validates the executor envelope. A missing line
// breakdown degrades to an aggregate-only Success; a schema violation is a
// codec error the caller handles as a zero-score line.
func DecodeResponse(raw []byte) (Result, error) {
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := compiledResponseSchema.Validate(tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if !env.Success {
		return Failure{Err: env.Error}, nil
	}

	out := Success{Transcript: env.Transcript}
	if env.ScoringDetails != nil {
		d := Normalize(*env.ScoringDetails)
		out.Lines = d.Lines
		out.Score = d.OverallScore
		if len(d.Lines) == 0 && env.Score != nil {
			out.Score = Clamp(*env.Score)
		}
	} else if env.Score != nil {
		out.Score = Clamp(*env.Score)
	}
	return out, nil
}

// EncodeResponse renders a Result back into the wire envelope. The executor
// uses it; tests use it to build fixtures.
func EncodeResponse(r Result, timestamp int64) ([]byte, error) {
	switch v := r.(type) {
	case Success:
		env := responseEnvelope{
			Success:    true,
			Score:      &v.Score,
			Transcript: v.Transcript,
			Timestamp:  timestamp,
		}
		if v.Lines != nil {
			env.ScoringDetails = &Details{OverallScore: v.Score, Lines: v.Lines}
		}
		return json.Marshal(env)
	case Failure:
		return json.Marshal(responseEnvelope{Success: false, Error: v.Err, Timestamp: timestamp})
	default:
		return nil, fmt.Errorf("scoring: unknown result variant %T", r)
	}
}
