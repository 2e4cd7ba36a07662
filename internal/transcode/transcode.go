// Package transcode turns pending quotes and shorts into uploaded video
// artifacts: a progressive MP4 plus a three-rendition HLS tree per item.
package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"soundbite.media/clipsmith/internal/db"
	"soundbite.media/clipsmith/pkg/ffmpeg"
	"soundbite.media/clipsmith/pkg/s3url"
	"soundbite.media/clipsmith/pkg/slug"
)

// Item kinds as reported in logs and alarm metric dimensions.
const (
	KindQuote = "quote"
	KindShort = "short"
)

const (
	// ffmpegAttempts bounds encode retries per output. Encoder failures
	// under memory pressure usually clear on the next run.
	ffmpegAttempts = 3

	// dbWriteAttempts bounds the per-item record updates. Skipped writes
	// (advisory lock held elsewhere) count as retryable.
	dbWriteAttempts  = 4
	dbWriteBaseDelay = 750 * time.Millisecond
	dbWriteMaxDelay  = 3 * time.Second

	// Verification attempts for freshly uploaded keys. The master
	// playlist gates playback, so it gets the extra try.
	masterHeadAttempts = 3
	otherHeadAttempts  = 2
)

// Request describes one episode's worth of artifact work. WorkDir must
// exist and is owned by the caller, which also removes it.
type Request struct {
	EpisodeID    string
	Bucket       string
	Region       string
	SourceKey    string
	KeyPrefix    string
	WorkDir      string
	EpisodeTitle string
	PodcastTitle string
	Quotes       []db.Quote
	Shorts       []db.Short
	Overwrite    bool
}

// Artifact is one successfully produced and recorded item.
type Artifact struct {
	ItemID    string
	Kind      string
	MP4URL    string
	MasterURL string
}

// Result lists the artifacts whose uploads and record updates all
// succeeded. Items that were skipped or whose record update failed are
// absent; the caller's validation pass surfaces them.
type Result struct {
	Quotes []Artifact
	Shorts []Artifact
}

// ItemWriter is the repository surface the producer writes through.
type ItemWriter interface {
	SetQuoteMaster(ctx context.Context, quoteID, masterURL string) (db.WriteResult, error)
	SetShortMaster(ctx context.Context, chunkID, masterURL string) (db.WriteResult, error)
	UpdateQuoteAdditionalData(ctx context.Context, quoteID string, data map[string]any) (db.WriteResult, error)
	UpdateShortAdditionalData(ctx context.Context, chunkID string, data map[string]any) (db.WriteResult, error)
}

// ObjectStore moves files to and from the artifact bucket.
type ObjectStore interface {
	DownloadFile(ctx context.Context, bucket, key, localPath string) (int64, error)
	UploadFile(ctx context.Context, bucket, key, localPath string) error
	UploadDir(ctx context.Context, bucket, keyPrefix, dir string) ([]string, error)
	VerifyObject(ctx context.Context, bucket, key string, attempts int) error
}

// Alarms is the alarm-metric surface for exhausted record updates.
type Alarms interface {
	DbUpdateRetryFailed(ctx context.Context, itemType, id string)
}

// Producer encodes, uploads, and records artifacts for one episode at a
// time. Item work fans out across a bounded worker pool.
type Producer struct {
	store       ObjectStore
	writer      ItemWriter
	alarms      Alarms
	preset      string
	concurrency int
}

func NewProducer(store ObjectStore, writer ItemWriter, alarms Alarms, preset string, concurrency int) *Producer {
	if concurrency < 1 {
		concurrency = 2
	}
	if preset == "" {
		preset = "medium"
	}
	return &Producer{
		store:       store,
		writer:      writer,
		alarms:      alarms,
		preset:      preset,
		concurrency: concurrency,
	}
}

// ProcessEpisode downloads the source once, then cuts, uploads, and
// records every plannable item. An encode, upload, or verification
// failure aborts the whole call; a record-update failure only drops that
// item from the result.
func (p *Producer) ProcessEpisode(ctx context.Context, req Request) (*Result, error) {
	items := planItems(req)
	if len(items) == 0 {
		slog.Info("no plannable items", "episode_id", req.EpisodeID)
		return &Result{}, nil
	}

	sourcePath, err := p.downloadSource(ctx, req)
	if err != nil {
		return nil, err
	}

	slog.Info("producing artifacts",
		"episode_id", req.EpisodeID,
		"items", len(items),
		"concurrency", p.concurrency,
		"preset", p.preset)

	res := &Result{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, item := range items {
		g.Go(func() error {
			artifact, ok, err := p.processItem(gctx, req, sourcePath, item)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			switch artifact.Kind {
			case KindQuote:
				res.Quotes = append(res.Quotes, artifact)
			default:
				res.Shorts = append(res.Shorts, artifact)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("artifact production finished",
		"episode_id", req.EpisodeID,
		"quotes", len(res.Quotes),
		"shorts", len(res.Shorts))
	return res, nil
}

func (p *Producer) downloadSource(ctx context.Context, req Request) (string, error) {
	stem := slug.Make(req.PodcastTitle+"_"+req.EpisodeTitle, 60)
	if stem == "" {
		stem = "source_video"
	}
	ext := strings.ToLower(path.Ext(req.SourceKey))
	if ext == "" {
		ext = ".mp4"
	}
	sourcePath := filepath.Join(req.WorkDir, stem+ext)

	n, err := p.store.DownloadFile(ctx, req.Bucket, req.SourceKey, sourcePath)
	if err != nil {
		return "", fmt.Errorf("download source video s3://%s/%s: %w", req.Bucket, req.SourceKey, err)
	}
	if n == 0 {
		return "", fmt.Errorf("source video s3://%s/%s is empty", req.Bucket, req.SourceKey)
	}
	slog.Info("source video downloaded",
		"episode_id", req.EpisodeID, "key", req.SourceKey, "size", humanize.IBytes(uint64(n)))
	return sourcePath, nil
}

// workItem is one plannable clip with its precomputed object keys.
type workItem struct {
	kind      string
	id        string
	start     time.Duration
	end       time.Duration
	mp4Key    string
	hlsPrefix string
	masterKey string
}

// planItems maps the requested quotes and shorts to work items, dropping
// anything without a usable clip window and, unless overwriting, anything
// already carrying a master playlist.
func planItems(req Request) []workItem {
	var items []workItem

	add := func(kind, id string, start, end time.Duration, ok bool, existing string) {
		if !ok {
			slog.Warn("skipping item with unusable clip window",
				"episode_id", req.EpisodeID, "kind", kind, "id", id)
			return
		}
		if !req.Overwrite && existing != "" {
			slog.Info("skipping already-produced item",
				"episode_id", req.EpisodeID, "kind", kind, "id", id)
			return
		}
		itemPrefix := joinKey(req.KeyPrefix, id)
		items = append(items, workItem{
			kind:      kind,
			id:        id,
			start:     start,
			end:       end,
			mp4Key:    joinKey(itemPrefix, "video", id+".mp4"),
			hlsPrefix: joinKey(itemPrefix, "video", "hls"),
			masterKey: joinKey(itemPrefix, "video", "hls", "master.m3u8"),
		})
	}

	for i := range req.Quotes {
		q := &req.Quotes[i]
		start, end, ok := q.ClipWindow()
		add(KindQuote, q.QuoteID, start, end, ok, q.MasterPlaylistPath())
	}
	for i := range req.Shorts {
		s := &req.Shorts[i]
		start, end, ok := s.ClipWindow()
		add(KindShort, s.ChunkID, start, end, ok, s.MasterPlaylistPath())
	}
	return items
}

// processItem produces one artifact end to end. ok reports whether the
// artifact was fully recorded; a false with nil error means the record
// update was exhausted and the item stays unprocessed.
func (p *Producer) processItem(ctx context.Context, req Request, sourcePath string, item workItem) (Artifact, bool, error) {
	itemDir := filepath.Join(req.WorkDir, item.id)
	if err := os.MkdirAll(itemDir, 0o755); err != nil {
		return Artifact{}, false, fmt.Errorf("mkdir %s: %w", itemDir, err)
	}

	stem := slug.Make(req.EpisodeTitle, 40)
	if stem == "" {
		stem = item.id
	}
	mp4Path := filepath.Join(itemDir, stem+".mp4")

	encodeOpts := ffmpeg.Flatten(
		[]ffmpeg.Option{ffmpeg.SeekTo(item.start, item.end)},
		ffmpeg.ClipH264(p.preset),
		ffmpeg.ClipAAC(),
	)
	if err := ffmpeg.RunAttempts(ctx, ffmpegAttempts, sourcePath, mp4Path, encodeOpts...); err != nil {
		return Artifact{}, false, fmt.Errorf("%s %s: encode mp4: %w", item.kind, item.id, err)
	}
	if info, err := os.Stat(mp4Path); err != nil || info.Size() == 0 {
		return Artifact{}, false, fmt.Errorf("%s %s: encoded mp4 missing or empty", item.kind, item.id)
	}

	hlsDir := filepath.Join(itemDir, "hls")
	if err := os.MkdirAll(hlsDir, 0o755); err != nil {
		return Artifact{}, false, fmt.Errorf("mkdir %s: %w", hlsDir, err)
	}

	ladder := ffmpeg.DefaultLadder()
	rg, rctx := errgroup.WithContext(ctx)
	for _, r := range ladder {
		rg.Go(func() error {
			_, err := ffmpeg.GenerateRendition(rctx, sourcePath, hlsDir, r, p.preset, item.start, item.end)
			return err
		})
	}
	if err := rg.Wait(); err != nil {
		return Artifact{}, false, fmt.Errorf("%s %s: encode hls: %w", item.kind, item.id, err)
	}

	masterPath := filepath.Join(hlsDir, "master.m3u8")
	if err := ffmpeg.WriteMasterPlaylist(masterPath, ladder); err != nil {
		return Artifact{}, false, fmt.Errorf("%s %s: write master playlist: %w", item.kind, item.id, err)
	}
	if err := ffmpeg.ValidateMasterPlaylist(masterPath); err != nil {
		return Artifact{}, false, fmt.Errorf("%s %s: master playlist invalid: %w", item.kind, item.id, err)
	}

	uploadedKeys, err := p.store.UploadDir(ctx, req.Bucket, item.hlsPrefix, hlsDir)
	if err != nil {
		return Artifact{}, false, fmt.Errorf("%s %s: upload hls tree: %w", item.kind, item.id, err)
	}
	if err := p.store.UploadFile(ctx, req.Bucket, item.mp4Key, mp4Path); err != nil {
		return Artifact{}, false, fmt.Errorf("%s %s: upload mp4: %w", item.kind, item.id, err)
	}

	if err := p.verifyUploads(ctx, req.Bucket, item, uploadedKeys); err != nil {
		return Artifact{}, false, err
	}

	artifact := Artifact{
		ItemID:    item.id,
		Kind:      item.kind,
		MP4URL:    s3url.PublicURL(req.Bucket, req.Region, item.mp4Key),
		MasterURL: s3url.PublicURL(req.Bucket, req.Region, item.masterKey),
	}

	if !p.recordArtifact(ctx, item, artifact) {
		return Artifact{}, false, nil
	}

	slog.Info("artifact produced",
		"episode_id", req.EpisodeID,
		"kind", item.kind,
		"id", item.id,
		"master_url", artifact.MasterURL)
	return artifact, true, nil
}

// verifyUploads confirms the uploaded keys are visible. The master
// playlist is the one clients fetch first.
func (p *Producer) verifyUploads(ctx context.Context, bucket string, item workItem, hlsKeys []string) error {
	if err := p.store.VerifyObject(ctx, bucket, item.masterKey, masterHeadAttempts); err != nil {
		return fmt.Errorf("%s %s: master playlist not visible: %w", item.kind, item.id, err)
	}
	for _, key := range hlsKeys {
		if key == item.masterKey {
			continue
		}
		if err := p.store.VerifyObject(ctx, bucket, key, otherHeadAttempts); err != nil {
			return fmt.Errorf("%s %s: uploaded key not visible: %w", item.kind, item.id, err)
		}
	}
	if err := p.store.VerifyObject(ctx, bucket, item.mp4Key, otherHeadAttempts); err != nil {
		return fmt.Errorf("%s %s: mp4 not visible: %w", item.kind, item.id, err)
	}
	return nil
}

// recordArtifact writes the item's master URL and path fields. Reports
// false when retries were exhausted; the item is then left for the next
// run to pick up.
func (p *Producer) recordArtifact(ctx context.Context, item workItem, artifact Artifact) bool {
	var setMaster func(context.Context) (db.WriteResult, error)
	var mergeData func(context.Context) (db.WriteResult, error)

	if item.kind == KindQuote {
		data := map[string]any{
			db.KeyVideoQuotePath:     artifact.MP4URL,
			db.KeyMasterPlaylistPath: artifact.MasterURL,
		}
		setMaster = func(ctx context.Context) (db.WriteResult, error) {
			return p.writer.SetQuoteMaster(ctx, item.id, artifact.MasterURL)
		}
		mergeData = func(ctx context.Context) (db.WriteResult, error) {
			return p.writer.UpdateQuoteAdditionalData(ctx, item.id, data)
		}
	} else {
		data := map[string]any{
			db.KeyVideoChunkPath:     artifact.MP4URL,
			db.KeyMasterPlaylistPath: artifact.MasterURL,
		}
		setMaster = func(ctx context.Context) (db.WriteResult, error) {
			return p.writer.SetShortMaster(ctx, item.id, artifact.MasterURL)
		}
		mergeData = func(ctx context.Context) (db.WriteResult, error) {
			return p.writer.UpdateShortAdditionalData(ctx, item.id, data)
		}
	}

	if err := retryWrite(ctx, item.kind+" master", setMaster); err != nil {
		slog.Error("record update exhausted",
			"kind", item.kind, "id", item.id, "error", err)
		if p.alarms != nil {
			p.alarms.DbUpdateRetryFailed(ctx, item.kind, item.id)
		}
		return false
	}
	if err := retryWrite(ctx, item.kind+" additional data", mergeData); err != nil {
		slog.Error("record update exhausted",
			"kind", item.kind, "id", item.id, "error", err)
		if p.alarms != nil {
			p.alarms.DbUpdateRetryFailed(ctx, item.kind, item.id)
		}
		return false
	}
	return true
}

// retryWrite drives a repository write until it applies. A skipped write
// means another writer holds the row's advisory lock, which clears as
// fast as a transient error does.
func retryWrite(ctx context.Context, op string, fn func(context.Context) (db.WriteResult, error)) error {
	delay := dbWriteBaseDelay
	var lastErr error
	for attempt := 1; attempt <= dbWriteAttempts; attempt++ {
		res, err := fn(ctx)
		if err == nil && res.Applied() {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("%s: write skipped, row locked elsewhere", op)
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < dbWriteAttempts {
			slog.Warn("record update retrying",
				"op", op, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return lastErr
			}
			delay *= 2
			if delay > dbWriteMaxDelay {
				delay = dbWriteMaxDelay
			}
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", op, dbWriteAttempts, lastErr)
}

// joinKey joins object key segments with single slashes.
func joinKey(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return strings.Join(trimmed, "/")
}
