package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Rendition describes one quality level in an HLS ladder. Name doubles as
// the rendition's directory name and file prefix (e.g. "720p" →
// 720p/720p.m3u8, 720p/720p_000.m4s).
type Rendition struct {
	Name        string
	Width       int
	Height      int
	BitrateKbps int
}

// DefaultLadder returns the rendition ladder produced for every artifact,
// highest quality first.
func DefaultLadder() []Rendition {
	return []Rendition{
		{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 1200},
		{Name: "480p", Width: 854, Height: 480, BitrateKbps: 700},
		{Name: "360p", Width: 640, Height: 360, BitrateKbps: 400},
	}
}

const (
	// hlsSegmentSeconds is the target fMP4 segment length. With the pinned
	// 48-frame GOP this gives clean segment boundaries at common frame rates.
	hlsSegmentSeconds = 6

	// hlsCodecs is the CODECS attribute written for every variant. All
	// renditions encode h264 high profile + AAC-LC, so the string is fixed.
	hlsCodecs = "avc1.64001f,mp4a.40.2"
)

// GenerateRendition encodes the window [start, end) of input into one HLS
// rendition under outputDir/{name}/: a VOD playlist, an init segment, and
// numbered fMP4 segments. Returns the playlist path after validating it.
func GenerateRendition(ctx context.Context, input, outputDir string, r Rendition, preset string, start, end time.Duration) (string, error) {
	dir := filepath.Join(outputDir, r.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("hls: mkdir %s: %w", dir, err)
	}

	playlistPath := filepath.Join(dir, r.Name+".m3u8")
	segmentPattern := filepath.Join(dir, r.Name+"_%03d.m4s")

	opts := Flatten(
		[]Option{
			SeekTo(start, end),
			Scale(r.Width, r.Height),
		},
		HLSVideo(preset, r.BitrateKbps),
		HLSAudio(),
		[]Option{ExtraArgs(
			"-f", "hls",
			"-hls_time", itoa(hlsSegmentSeconds),
			"-hls_playlist_type", "vod",
			"-hls_segment_type", "fmp4",
			"-hls_fmp4_init_filename", "init.mp4",
			"-hls_segment_filename", segmentPattern,
		)},
	)

	if err := Run(ctx, input, playlistPath, opts...); err != nil {
		return "", err
	}
	if err := ValidateRenditionPlaylist(playlistPath); err != nil {
		return "", err
	}
	return playlistPath, nil
}

// ValidateRenditionPlaylist checks that a generated media playlist is a
// plausible VOD playlist: the M3U header, a target duration, and at least
// one segment reference whose file actually exists next to the playlist.
// ffmpeg exits zero in some disk-full and early-kill scenarios, so presence
// of the playlist alone proves nothing.
func ValidateRenditionPlaylist(playlistPath string) error {
	data, err := os.ReadFile(playlistPath)
	if err != nil {
		return fmt.Errorf("hls: read playlist: %w", err)
	}
	content := string(data)

	if !strings.Contains(content, "#EXTM3U") {
		return fmt.Errorf("hls: %s: missing #EXTM3U header", playlistPath)
	}
	if !strings.Contains(content, "#EXT-X-TARGETDURATION") {
		return fmt.Errorf("hls: %s: missing #EXT-X-TARGETDURATION", playlistPath)
	}

	dir := filepath.Dir(playlistPath)
	segments := 0
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasSuffix(line, ".m4s") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, line)); err != nil {
			return fmt.Errorf("hls: %s: referenced segment %s not on disk: %w", playlistPath, line, err)
		}
		segments++
	}
	if segments == 0 {
		return fmt.Errorf("hls: %s: playlist references no segments", playlistPath)
	}
	return nil
}

// WriteMasterPlaylist writes a deterministic master playlist referencing the
// given renditions by their relative {name}/{name}.m3u8 paths, highest
// bandwidth first. The file is byte-identical for the same ladder, which
// lets the processed-state validator compare stored URLs without parsing.
func WriteMasterPlaylist(path string, renditions []Rendition) error {
	if len(renditions) == 0 {
		return fmt.Errorf("hls: no renditions for master playlist")
	}

	sorted := make([]Rendition, len(renditions))
	copy(sorted, renditions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].BitrateKbps > sorted[j].BitrateKbps
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n\n")

	for _, r := range sorted {
		b.WriteString(fmt.Sprintf(
			"#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n%s/%s.m3u8\n",
			r.BitrateKbps*1000, r.Width, r.Height, hlsCodecs, r.Name, r.Name,
		))
	}

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ValidateMasterPlaylist checks that a master playlist carries the M3U
// header and at least one variant entry.
func ValidateMasterPlaylist(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("hls: read master playlist: %w", err)
	}
	content := string(data)

	if !strings.Contains(content, "#EXTM3U") {
		return fmt.Errorf("hls: %s: missing #EXTM3U header", path)
	}
	if !strings.Contains(content, "#EXT-X-STREAM-INF") {
		return fmt.Errorf("hls: %s: no variant streams", path)
	}
	return nil
}
