package session

// LineTiming holds the offsets of a lyric line within the song, in
// milliseconds. Adjacent lines never overlap.
type LineTiming struct {
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}

// LineResult is one scored lyric line. Immutable once recorded.
type LineResult struct {
	LineIndex       int        `json:"line_index"`
	ExpectedText    string     `json:"expected_text"`
	TranscribedText string     `json:"transcribed_text"`
	Score           int        `json:"score"`
	NeedsPractice   bool       `json:"needs_practice"`
	Timing          LineTiming `json:"timing"`
}

// CreateRequest defines the payload for creating a new karaoke session.
type CreateRequest struct {
	UserID     string `json:"user_id"`
	SongID     string `json:"song_id"`
	SongTitle  string `json:"song_title"`
	ArtistName string `json:"artist_name"`
	Budget     int    `json:"budget,omitempty"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	Status      Status `json:"status"`
	SongID      string `json:"song_id"`
	SongTitle   string `json:"song_title"`
	ArtistName  string `json:"artist_name"`
	Budget      int    `json:"budget"`
	StartedAtMS int64  `json:"started_at_ms"`
}
