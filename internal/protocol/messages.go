package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"
	TypeLineScore        MessageType = "line_score"
	TypeSessionResult    MessageType = "session_result"
	TypeSettlementResult MessageType = "settlement_result"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Client control actions.
const (
	ActionLineBegin = "line_begin"
	ActionLineEnd   = "line_end"
	ActionFinalize  = "finalize"
	ActionAbandon   = "abandon"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries captured PCM for the currently open lyric line.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

// ClientControl opens and closes lyric lines and ends the performance.
// LineIndex and offsets apply to line_begin and line_end; ExpectedText
// applies to line_end only.
type ClientControl struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	Action       string      `json:"action"`
	LineIndex    int         `json:"line_index,omitempty"`
	SongOffsetMS int64       `json:"song_offset_ms,omitempty"`
	ExpectedText string      `json:"expected_text,omitempty"`
}

// LineScore reports the verdict for one scored line.
type LineScore struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	LineIndex       int         `json:"line_index"`
	Score           int         `json:"score"`
	NeedsPractice   bool        `json:"needs_practice"`
	ExpectedText    string      `json:"expected_text"`
	TranscribedText string      `json:"transcribed_text,omitempty"`
	CreditsUsed     int64       `json:"credits_used"`
}

// SessionResult reports the frozen session after finalization.
type SessionResult struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Status      string      `json:"status"`
	TotalScore  int         `json:"total_score"`
	LineCount   int         `json:"line_count"`
	CreditsUsed int64       `json:"credits_used"`
}

// SettlementResult reports the on-chain outcome.
type SettlementResult struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TxID      string      `json:"tx_id,omitempty"`
	Confirmed bool        `json:"confirmed"`
	Balance   int64       `json:"balance"`
	Signature string      `json:"signature"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionLineBegin, ActionLineEnd:
			if msg.LineIndex < 0 {
				return nil, errors.New("invalid line_index")
			}
		case ActionFinalize, ActionAbandon:
		default:
			return nil, fmt.Errorf("unknown control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
