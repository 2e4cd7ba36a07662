package db

import (
	"strings"
	"time"
)

// ContentTypeVideo is the canonical contentType value this worker writes.
// Earlier writers capitalized it, so reads must compare case-insensitively
// while writes always store the lowercase form.
const ContentTypeVideo = "video"

// IsVideoContentType reports whether a stored contentType marks a row as
// video, tolerating legacy casing.
func IsVideoContentType(ct string) bool {
	return strings.EqualFold(ct, ContentTypeVideo)
}

// Keys this worker reads and writes inside additionalData documents.
const (
	KeyVideoLocation      = "videoLocation"
	KeyMasterPlaylistPath = "videoMasterPlaylistPath"
	KeyVideoQuotePath     = "videoQuotePath"
	KeyVideoChunkPath     = "videoChunkPath"
)

// Flag names inside Episodes.processingInfo.
const (
	FlagQuotingDone       = "quotingDone"
	FlagChunkingDone      = "chunkingDone"
	FlagVideoQuotingDone  = "videoQuotingDone"
	FlagVideoChunkingDone = "videoChunkingDone"
)

// ProcessingInfo is the Episodes.processingInfo JSON document. Values are
// booleans in practice, but some upstream writers stored the string "true",
// so Flag coerces.
type ProcessingInfo map[string]any

// Flag returns the named flag as a boolean.
func (p ProcessingInfo) Flag(name string) bool {
	switch v := p[name].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

type Episode struct {
	EpisodeID      string
	EpisodeTitle   string
	ChannelName    string
	ContentType    string
	AdditionalData map[string]any
	ProcessingInfo ProcessingInfo
	UpdatedAt      *time.Time
}

// VideoLocation returns the stored source video URL, or "".
func (e *Episode) VideoLocation() string {
	return stringField(e.AdditionalData, KeyVideoLocation)
}

type Quote struct {
	QuoteID        string
	EpisodeID      string
	QuoteRank      *int32
	ContextStartMs *int64
	ContextEndMs   *int64
	QuoteStartMs   *int64
	QuoteEndMs     *int64
	ContentType    string
	AdditionalData map[string]any
	UpdatedAt      *time.Time
}

// MasterPlaylistPath returns the stored HLS master playlist URL, or "".
func (q *Quote) MasterPlaylistPath() string {
	return stringField(q.AdditionalData, KeyMasterPlaylistPath)
}

// minQuoteClip and minShortClip are the shortest windows worth cutting.
// Anything under these produces a clip players stall on.
const (
	minQuoteClip = 100 * time.Millisecond
	minShortClip = time.Second
)

// ClipWindow returns the source window to cut for this quote. The context
// window wins when both of its endpoints are positive; otherwise the bare
// quote range is used. ok is false when the chosen window is missing,
// inverted, or shorter than the quote minimum.
func (q *Quote) ClipWindow() (start, end time.Duration, ok bool) {
	startMs, endMs := q.QuoteStartMs, q.QuoteEndMs
	if positiveMs(q.ContextStartMs) && positiveMs(q.ContextEndMs) {
		startMs, endMs = q.ContextStartMs, q.ContextEndMs
	}
	return msWindow(startMs, endMs, minQuoteClip)
}

type Short struct {
	ChunkID        string
	EpisodeID      string
	StartMs        *int64
	EndMs          *int64
	ChunkLength    *float64
	IsRemovedChunk bool
	Transcript     *string
	ContentType    string
	AdditionalData map[string]any
	UpdatedAt      *time.Time
}

// MasterPlaylistPath returns the stored HLS master playlist URL, or "".
func (s *Short) MasterPlaylistPath() string {
	return stringField(s.AdditionalData, KeyMasterPlaylistPath)
}

// DurationSeconds derives the chunk duration from its cut points, falling
// back to the stored chunkLength when the points are absent.
func (s *Short) DurationSeconds() float64 {
	if s.StartMs != nil && s.EndMs != nil {
		return float64(*s.EndMs-*s.StartMs) / 1000.0
	}
	if s.ChunkLength != nil {
		return *s.ChunkLength
	}
	return 0
}

// IsValidChunk reports whether this short counts toward episode completion:
// not removed by the editor and at least a second long.
func (s *Short) IsValidChunk() bool {
	return !s.IsRemovedChunk && s.DurationSeconds() >= 1.0
}

// ClipWindow returns the [startMs, endMs) window to cut. ok is false when
// either point is missing or the window is inverted or under a second.
func (s *Short) ClipWindow() (start, end time.Duration, ok bool) {
	return msWindow(s.StartMs, s.EndMs, minShortClip)
}

// EpisodeItems is a single-snapshot read of an episode's quotes and shorts.
type EpisodeItems struct {
	Quotes []Quote
	Shorts []Short
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func positiveMs(v *int64) bool {
	return v != nil && *v > 0
}

func msWindow(startMs, endMs *int64, min time.Duration) (time.Duration, time.Duration, bool) {
	if startMs == nil || endMs == nil {
		return 0, 0, false
	}
	start := time.Duration(*startMs) * time.Millisecond
	end := time.Duration(*endMs) * time.Millisecond
	if start < 0 || end <= start || end-start < min {
		return 0, 0, false
	}
	return start, end, true
}
