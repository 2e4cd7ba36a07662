package transcode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"soundbite.media/clipsmith/internal/db"
)

func ptr[T any](v T) *T { return &v }

type fakeStore struct {
	mu        sync.Mutex
	downloads []string
	dlSize    int64
	dlErr     error
}

func (f *fakeStore) DownloadFile(ctx context.Context, bucket, key, localPath string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, key)
	return f.dlSize, f.dlErr
}

func (f *fakeStore) UploadFile(ctx context.Context, bucket, key, localPath string) error {
	return nil
}

func (f *fakeStore) UploadDir(ctx context.Context, bucket, keyPrefix, dir string) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) VerifyObject(ctx context.Context, bucket, key string, attempts int) error {
	return nil
}

type fakeWriter struct {
	mu      sync.Mutex
	masters map[string]string
	merges  map[string]map[string]any
	err     error
}

func (f *fakeWriter) record(dst *map[string]string, id, url string) (db.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return db.WriteSkipped, f.err
	}
	if *dst == nil {
		*dst = map[string]string{}
	}
	(*dst)[id] = url
	return db.WriteUpdated, nil
}

func (f *fakeWriter) SetQuoteMaster(ctx context.Context, id, url string) (db.WriteResult, error) {
	return f.record(&f.masters, id, url)
}

func (f *fakeWriter) SetShortMaster(ctx context.Context, id, url string) (db.WriteResult, error) {
	return f.record(&f.masters, id, url)
}

func (f *fakeWriter) merge(id string, data map[string]any) (db.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return db.WriteSkipped, f.err
	}
	if f.merges == nil {
		f.merges = map[string]map[string]any{}
	}
	f.merges[id] = data
	return db.WriteUpdated, nil
}

func (f *fakeWriter) UpdateQuoteAdditionalData(ctx context.Context, id string, data map[string]any) (db.WriteResult, error) {
	return f.merge(id, data)
}

func (f *fakeWriter) UpdateShortAdditionalData(ctx context.Context, id string, data map[string]any) (db.WriteResult, error) {
	return f.merge(id, data)
}

type fakeAlarms struct {
	mu    sync.Mutex
	items []string
}

func (f *fakeAlarms) DbUpdateRetryFailed(ctx context.Context, itemType, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, itemType+"/"+id)
}

func baseRequest() Request {
	return Request{
		EpisodeID: "E1",
		Bucket:    "media",
		Region:    "us-east-1",
		SourceKey: "pod/ep/source.mp4",
		KeyPrefix: "pod/ep/",
		Overwrite: true,
	}
}

func TestPlanItemsWindowsAndKeys(t *testing.T) {
	req := baseRequest()
	req.Quotes = []db.Quote{
		{
			QuoteID:        "q-ctx",
			ContextStartMs: ptr[int64](5000),
			ContextEndMs:   ptr[int64](15000),
		},
		{
			QuoteID:      "q-range",
			QuoteStartMs: ptr[int64](0),
			QuoteEndMs:   ptr[int64](2000),
		},
		{
			QuoteID: "q-no-window",
		},
	}
	req.Shorts = []db.Short{
		{ChunkID: "s-ok", StartMs: ptr[int64](10000), EndMs: ptr[int64](30000)},
		{ChunkID: "s-inverted", StartMs: ptr[int64](30000), EndMs: ptr[int64](10000)},
	}

	items := planItems(req)
	require.Len(t, items, 3)

	require.Equal(t, KindQuote, items[0].kind)
	require.Equal(t, "q-ctx", items[0].id)
	require.Equal(t, 5*time.Second, items[0].start)
	require.Equal(t, 15*time.Second, items[0].end)
	require.Equal(t, "pod/ep/q-ctx/video/q-ctx.mp4", items[0].mp4Key)
	require.Equal(t, "pod/ep/q-ctx/video/hls", items[0].hlsPrefix)
	require.Equal(t, "pod/ep/q-ctx/video/hls/master.m3u8", items[0].masterKey)

	require.Equal(t, "q-range", items[1].id)
	require.Equal(t, time.Duration(0), items[1].start)
	require.Equal(t, 2*time.Second, items[1].end)

	require.Equal(t, KindShort, items[2].kind)
	require.Equal(t, "s-ok", items[2].id)
}

func TestPlanItemsRespectsExistingArtifacts(t *testing.T) {
	req := baseRequest()
	req.Overwrite = false
	req.Quotes = []db.Quote{
		{
			QuoteID:        "q-done",
			ContextStartMs: ptr[int64](1000),
			ContextEndMs:   ptr[int64](5000),
			AdditionalData: map[string]any{
				db.KeyMasterPlaylistPath: "https://media.s3.us-east-1.amazonaws.com/x/master.m3u8",
			},
		},
		{
			QuoteID:        "q-todo",
			ContextStartMs: ptr[int64](1000),
			ContextEndMs:   ptr[int64](5000),
		},
	}

	items := planItems(req)
	require.Len(t, items, 1)
	require.Equal(t, "q-todo", items[0].id)

	req.Overwrite = true
	require.Len(t, planItems(req), 2)
}

func TestProcessEpisodeNothingToDo(t *testing.T) {
	store := &fakeStore{dlSize: 100}
	p := NewProducer(store, &fakeWriter{}, &fakeAlarms{}, "veryfast", 2)

	res, err := p.ProcessEpisode(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Empty(t, res.Quotes)
	require.Empty(t, res.Shorts)
	require.Empty(t, store.downloads, "no source download when nothing is plannable")
}

func TestDownloadSourceRejectsEmptyFile(t *testing.T) {
	store := &fakeStore{dlSize: 0}
	p := NewProducer(store, &fakeWriter{}, &fakeAlarms{}, "veryfast", 2)

	req := baseRequest()
	req.WorkDir = t.TempDir()
	_, err := p.downloadSource(context.Background(), req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")
}

func TestDownloadSourceNaming(t *testing.T) {
	store := &fakeStore{dlSize: 42}
	p := NewProducer(store, &fakeWriter{}, &fakeAlarms{}, "veryfast", 2)

	req := baseRequest()
	req.WorkDir = t.TempDir()
	req.PodcastTitle = "The Daily Grind"
	req.EpisodeTitle = "Episode #42: Coffee!"
	path, err := p.downloadSource(context.Background(), req)
	require.NoError(t, err)
	require.Contains(t, path, "The_Daily_Grind")
	require.Contains(t, path, ".mp4")
	require.NotContains(t, path, "#")
	require.NotContains(t, path, "!")
}

func TestRecordArtifactWritesBothRecords(t *testing.T) {
	writer := &fakeWriter{}
	alarms := &fakeAlarms{}
	p := NewProducer(&fakeStore{}, writer, alarms, "veryfast", 2)

	item := workItem{kind: KindQuote, id: "q1"}
	artifact := Artifact{
		ItemID:    "q1",
		Kind:      KindQuote,
		MP4URL:    "https://media.s3.us-east-1.amazonaws.com/pod/ep/q1/video/q1.mp4",
		MasterURL: "https://media.s3.us-east-1.amazonaws.com/pod/ep/q1/video/hls/master.m3u8",
	}
	require.True(t, p.recordArtifact(context.Background(), item, artifact))

	require.Equal(t, artifact.MasterURL, writer.masters["q1"])
	require.Equal(t, map[string]any{
		db.KeyVideoQuotePath:     artifact.MP4URL,
		db.KeyMasterPlaylistPath: artifact.MasterURL,
	}, writer.merges["q1"])
	require.Empty(t, alarms.items)
}

func TestRecordArtifactShortUsesChunkPath(t *testing.T) {
	writer := &fakeWriter{}
	p := NewProducer(&fakeStore{}, writer, &fakeAlarms{}, "veryfast", 2)

	item := workItem{kind: KindShort, id: "s1"}
	artifact := Artifact{
		ItemID:    "s1",
		Kind:      KindShort,
		MP4URL:    "https://media.s3.us-east-1.amazonaws.com/pod/ep/s1/video/s1.mp4",
		MasterURL: "https://media.s3.us-east-1.amazonaws.com/pod/ep/s1/video/hls/master.m3u8",
	}
	require.True(t, p.recordArtifact(context.Background(), item, artifact))

	require.Contains(t, writer.merges["s1"], db.KeyVideoChunkPath)
	require.NotContains(t, writer.merges["s1"], db.KeyVideoQuotePath)
}

func TestRecordArtifactExhaustionRaisesAlarm(t *testing.T) {
	writer := &fakeWriter{err: errors.New("deadlock detected")}
	alarms := &fakeAlarms{}
	p := NewProducer(&fakeStore{}, writer, alarms, "veryfast", 2)

	// A short deadline keeps the retry loop from sleeping through all
	// four backoff windows.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	item := workItem{kind: KindShort, id: "s1"}
	require.False(t, p.recordArtifact(ctx, item, Artifact{ItemID: "s1", Kind: KindShort}))
	require.Equal(t, []string{"short/s1"}, alarms.items)
}

func TestRetryWriteSkippedThenApplied(t *testing.T) {
	calls := 0
	err := retryWrite(context.Background(), "test op", func(ctx context.Context) (db.WriteResult, error) {
		calls++
		if calls == 1 {
			return db.WriteSkipped, nil
		}
		return db.WriteUpdated, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryWriteNoopCountsAsApplied(t *testing.T) {
	calls := 0
	err := retryWrite(context.Background(), "test op", func(ctx context.Context) (db.WriteResult, error) {
		calls++
		return db.WriteNoop, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryWriteStopsOnContextEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := retryWrite(ctx, "test op", func(ctx context.Context) (db.WriteResult, error) {
		calls++
		return db.WriteSkipped, nil
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Contains(t, err.Error(), "skipped")
}

func TestJoinKey(t *testing.T) {
	require.Equal(t, "pod/ep/q1/video/q1.mp4", joinKey("pod/ep/", "q1", "video", "q1.mp4"))
	require.Equal(t, "a/b", joinKey("/a/", "", "b/"))
}
