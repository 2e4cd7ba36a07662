// Package pipeline drives one episode-processing message end to end:
// load, filter pending items, produce artifacts, validate the recorded
// state, and advance the episode's processing flags.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"soundbite.media/clipsmith/internal/db"
	"soundbite.media/clipsmith/internal/metrics"
	"soundbite.media/clipsmith/internal/queue"
	"soundbite.media/clipsmith/internal/transcode"
	"soundbite.media/clipsmith/pkg/s3url"
)

const (
	// flagAdvanceAttempts bounds the advance-and-verify loop for the
	// episode's processing flags.
	flagAdvanceAttempts = 3
	flagAdvancePause    = 500 * time.Millisecond

	// Validation re-reads once more after a randomized pause to absorb
	// replica lag.
	validationAttempts  = 2
	validationJitterMin = 200 * time.Millisecond
	validationJitterMax = 800 * time.Millisecond
)

// Store is the repository surface the pipeline reads and writes.
type Store interface {
	GetEpisode(ctx context.Context, episodeID string) (*db.Episode, error)
	GetProcessingInfo(ctx context.Context, episodeID string) (db.ProcessingInfo, error)
	GetQuotesByEpisode(ctx context.Context, episodeID string) ([]db.Quote, error)
	GetShortsByEpisode(ctx context.Context, episodeID string) ([]db.Short, error)
	GetQuotesAndShortsByEpisode(ctx context.Context, episodeID string) (*db.EpisodeItems, error)
	UpdateEpisodeContentType(ctx context.Context, episodeID string) (db.WriteResult, error)
	UpdateEpisodeProcessingFlags(ctx context.Context, episodeID string, setVideoQuotingDone, setVideoChunkingDone bool) (db.ProcessingInfo, db.WriteResult, error)
}

// ArtifactProducer produces and records video artifacts for pending
// items.
type ArtifactProducer interface {
	ProcessEpisode(ctx context.Context, req transcode.Request) (*transcode.Result, error)
}

// Alarms is the metric surface for integrity warnings and processing
// errors.
type Alarms interface {
	ZeroQuotes(ctx context.Context, episodeID string)
	ZeroChunks(ctx context.Context, episodeID string)
	ProcessingError(ctx context.Context, errorType, episodeID string)
}

// Pipeline is the per-message state machine handed to the queue
// consumer.
type Pipeline struct {
	repo      Store
	producer  ArtifactProducer
	protector Protector
	alarms    Alarms
	stats     *Stats
	tempRoot  string
	cleanup   bool
}

func New(repo Store, producer ArtifactProducer, protector Protector, alarms Alarms, stats *Stats, tempRoot string, cleanupTempFiles bool) *Pipeline {
	return &Pipeline{
		repo:      repo,
		producer:  producer,
		protector: protector,
		alarms:    alarms,
		stats:     stats,
		tempRoot:  tempRoot,
		cleanup:   cleanupTempFiles,
	}
}

// Handle runs the pipeline for one message and classifies any error that
// escaped the per-step handling.
func (p *Pipeline) Handle(ctx context.Context, msg queue.Message) queue.Outcome {
	outcome, err := p.run(ctx, msg)
	if err != nil {
		slog.Error("pipeline error", "episode_id", msg.EpisodeID, "error", err)
		p.alarms.ProcessingError(ctx, metrics.ErrTypeUnhandledException, msg.EpisodeID)
		outcome = queue.OutcomeFailed
	}
	p.stats.RecordOutcome(outcome)
	return outcome
}

func (p *Pipeline) run(ctx context.Context, msg queue.Message) (queue.Outcome, error) {
	episodeID := msg.EpisodeID

	episode, err := p.repo.GetEpisode(ctx, episodeID)
	if err != nil {
		p.alarms.ProcessingError(ctx, metrics.ErrTypeEpisodeLookupFailure, episodeID)
		return queue.OutcomeFailed, fmt.Errorf("load episode %s: %w", episodeID, err)
	}
	if episode == nil {
		slog.Info("episode not found, nothing to do", "episode_id", episodeID)
		return queue.OutcomeSuccess, nil
	}
	if ct := episode.ContentType; ct != "" && !db.IsVideoContentType(ct) {
		slog.Info("episode content is not video, skipping",
			"episode_id", episodeID, "content_type", ct)
		return queue.OutcomeSuccess, nil
	}
	info := episode.ProcessingInfo
	if info == nil {
		slog.Error("episode has no processing info", "episode_id", episodeID)
		p.alarms.ProcessingError(ctx, metrics.ErrTypeMissingProcessingStatus, episodeID)
		return queue.OutcomeFailed, nil
	}

	videoLocation := episode.VideoLocation()
	if videoLocation == "" {
		slog.Error("episode has no video location", "episode_id", episodeID)
		p.alarms.ProcessingError(ctx, metrics.ErrTypeMissingVideoLocation, episodeID)
		return queue.OutcomeFailed, nil
	}
	loc, err := s3url.Parse(videoLocation)
	if err != nil {
		slog.Error("video location is not a recognizable object URL",
			"episode_id", episodeID, "video_location", videoLocation)
		p.alarms.ProcessingError(ctx, metrics.ErrTypeMissingVideoKey, episodeID)
		return queue.OutcomeFailed, nil
	}
	if loc.KeyPrefix == "" {
		slog.Error("video location key has no prefix",
			"episode_id", episodeID, "video_location", videoLocation)
		p.alarms.ProcessingError(ctx, metrics.ErrTypeMissingS3Key, episodeID)
		return queue.OutcomeFailed, nil
	}
	if episode.EpisodeTitle == "" || episode.ChannelName == "" {
		slog.Error("episode is missing titles",
			"episode_id", episodeID,
			"has_episode_title", episode.EpisodeTitle != "",
			"has_channel_name", episode.ChannelName != "")
		p.alarms.ProcessingError(ctx, metrics.ErrTypeMissingTitles, episodeID)
		return queue.OutcomeFailed, nil
	}

	if info.Flag(db.FlagVideoQuotingDone) && info.Flag(db.FlagVideoChunkingDone) {
		return p.shortCircuit(ctx, episodeID)
	}

	wantQuotes := info.Flag(db.FlagQuotingDone) && !info.Flag(db.FlagVideoQuotingDone)
	wantShorts := info.Flag(db.FlagChunkingDone) && !info.Flag(db.FlagVideoChunkingDone)

	var quotes []db.Quote
	var shorts []db.Short
	if wantQuotes {
		quotes, err = p.repo.GetQuotesByEpisode(ctx, episodeID)
		if err != nil {
			return queue.OutcomeFailed, fmt.Errorf("load quotes for %s: %w", episodeID, err)
		}
		if len(quotes) == 0 {
			slog.Warn("quoting done upstream but zero quotes exist", "episode_id", episodeID)
			p.alarms.ZeroQuotes(ctx, episodeID)
			p.alarms.ProcessingError(ctx, metrics.ErrTypeZeroQuotesUnexpected, episodeID)
		}
	}
	if wantShorts {
		shorts, err = p.repo.GetShortsByEpisode(ctx, episodeID)
		if err != nil {
			return queue.OutcomeFailed, fmt.Errorf("load shorts for %s: %w", episodeID, err)
		}
		if len(shorts) == 0 {
			slog.Warn("chunking done upstream but zero shorts exist", "episode_id", episodeID)
			p.alarms.ZeroChunks(ctx, episodeID)
			p.alarms.ProcessingError(ctx, metrics.ErrTypeZeroChunksUnexpected, episodeID)
		}
	}

	pendingQuotes := filterPendingQuotes(quotes)
	pendingShorts := filterPendingShorts(shorts)

	if len(pendingQuotes) == 0 && len(pendingShorts) == 0 {
		slog.Info("no pending items",
			"episode_id", episodeID, "quotes", len(quotes), "shorts", len(shorts))
		if err := p.advanceFlags(ctx, episodeID, wantQuotes, wantShorts, quotes, shorts); err != nil {
			slog.Error("flag advance failed", "episode_id", episodeID, "error", err)
			p.alarms.ProcessingError(ctx, metrics.ErrTypeUpdateProcessingFlagsFailed, episodeID)
			return queue.OutcomeFailed, nil
		}
		return queue.OutcomeSuccess, nil
	}

	session, err := newSession(episodeID, p.tempRoot, p.cleanup, p.protector)
	if err != nil {
		return queue.OutcomeFailed, err
	}
	defer session.Close()

	// Everything written by this run carries a timestamp at or after the
	// marker; validation uses it to spot stale reads.
	marker := time.Now().UTC()

	result, err := p.producer.ProcessEpisode(ctx, transcode.Request{
		EpisodeID:    episodeID,
		Bucket:       loc.Bucket,
		Region:       loc.Region,
		SourceKey:    loc.Key(),
		KeyPrefix:    loc.KeyPrefix,
		WorkDir:      session.workDir,
		EpisodeTitle: episode.EpisodeTitle,
		PodcastTitle: episode.ChannelName,
		Quotes:       pendingQuotes,
		Shorts:       pendingShorts,
		Overwrite:    true,
	})
	if err != nil {
		slog.Error("artifact production failed", "episode_id", episodeID, "error", err)
		return queue.OutcomeFailed, nil
	}

	if !p.validateProcessed(ctx, episodeID, pendingQuotes, pendingShorts, result, marker) {
		slog.Warn("processed-state validation failed, episode not ready", "episode_id", episodeID)
		return queue.OutcomeNotReady, nil
	}

	// Completion is recomputed from an independent read so redeliveries
	// and co-writers cannot double-count local state.
	items, err := p.repo.GetQuotesAndShortsByEpisode(ctx, episodeID)
	if err != nil {
		slog.Error("completion re-read failed", "episode_id", episodeID, "error", err)
		p.alarms.ProcessingError(ctx, metrics.ErrTypeUpdateProcessingFlagsFailed, episodeID)
		return queue.OutcomeFailed, nil
	}
	if err := p.advanceFlags(ctx, episodeID, wantQuotes, wantShorts, items.Quotes, items.Shorts); err != nil {
		slog.Error("flag advance failed", "episode_id", episodeID, "error", err)
		p.alarms.ProcessingError(ctx, metrics.ErrTypeUpdateProcessingFlagsFailed, episodeID)
		return queue.OutcomeFailed, nil
	}

	slog.Info("episode processing complete",
		"episode_id", episodeID,
		"quotes_produced", len(result.Quotes),
		"shorts_produced", len(result.Shorts))
	return queue.OutcomeSuccess, nil
}

// shortCircuit handles episodes whose category flags are both already
// set: nothing to produce, but empty item lists are flagged.
func (p *Pipeline) shortCircuit(ctx context.Context, episodeID string) (queue.Outcome, error) {
	items, err := p.repo.GetQuotesAndShortsByEpisode(ctx, episodeID)
	if err != nil {
		return queue.OutcomeFailed, fmt.Errorf("inventory read for completed episode %s: %w", episodeID, err)
	}
	if len(items.Quotes) == 0 {
		slog.Warn("episode marked complete with zero quotes", "episode_id", episodeID)
		p.alarms.ZeroQuotes(ctx, episodeID)
		p.alarms.ProcessingError(ctx, metrics.ErrTypeZeroQuotesAlreadyProcessed, episodeID)
	}
	if len(items.Shorts) == 0 {
		slog.Warn("episode marked complete with zero shorts", "episode_id", episodeID)
		p.alarms.ZeroChunks(ctx, episodeID)
		p.alarms.ProcessingError(ctx, metrics.ErrTypeZeroChunksAlreadyProcessed, episodeID)
	}
	slog.Info("episode already fully processed", "episode_id", episodeID)
	return queue.OutcomeSuccess, nil
}

// advanceFlags promotes the episode's content type and sets the newly
// satisfiable category flags, verifying persistence with a fresh read.
// A category only advances when its upstream flag is set, at least one
// row exists, and every relevant item is processed.
func (p *Pipeline) advanceFlags(ctx context.Context, episodeID string, wantQuotes, wantShorts bool, quotes []db.Quote, shorts []db.Short) error {
	setQ := false
	if wantQuotes {
		switch {
		case len(quotes) == 0:
			slog.Warn("refusing to advance videoQuotingDone with zero quotes", "episode_id", episodeID)
			p.alarms.ProcessingError(ctx, metrics.ErrTypeZeroQuotesFinalize, episodeID)
		case allQuotesProcessed(quotes):
			setQ = true
		}
	}
	setC := false
	if wantShorts {
		switch {
		case len(shorts) == 0:
			slog.Warn("refusing to advance videoChunkingDone with zero shorts", "episode_id", episodeID)
			p.alarms.ProcessingError(ctx, metrics.ErrTypeZeroChunksFinalize, episodeID)
		case allShortsProcessed(shorts):
			setC = true
		}
	}
	if !setQ && !setC {
		slog.Info("no flags newly satisfiable",
			"episode_id", episodeID, "want_quotes", wantQuotes, "want_shorts", wantShorts)
		return nil
	}

	if res, err := p.repo.UpdateEpisodeContentType(ctx, episodeID); err != nil {
		return fmt.Errorf("promote episode content type: %w", err)
	} else if !res.Applied() {
		slog.Warn("episode content type promotion skipped, row locked", "episode_id", episodeID)
	}

	var lastErr error
	for attempt := 1; attempt <= flagAdvanceAttempts; attempt++ {
		if attempt > 1 {
			if !sleepCtx(ctx, flagAdvancePause) {
				break
			}
		}
		_, res, err := p.repo.UpdateEpisodeProcessingFlags(ctx, episodeID, setQ, setC)
		if err != nil {
			lastErr = err
			continue
		}
		if !res.Applied() {
			lastErr = errors.New("flag update skipped, row locked elsewhere")
			continue
		}
		verified, err := p.repo.GetProcessingInfo(ctx, episodeID)
		if err != nil {
			lastErr = fmt.Errorf("verify flags: %w", err)
			continue
		}
		if (!setQ || verified.Flag(db.FlagVideoQuotingDone)) &&
			(!setC || verified.Flag(db.FlagVideoChunkingDone)) {
			slog.Info("processing flags advanced",
				"episode_id", episodeID,
				"video_quoting_done", setQ,
				"video_chunking_done", setC)
			return nil
		}
		lastErr = errors.New("flags not visible after update")
	}
	return fmt.Errorf("advance processing flags: %d attempts: %w", flagAdvanceAttempts, lastErr)
}

// itemState is the witness tuple checked per pending item.
type itemState struct {
	contentType string
	masterPath  string
	updatedAt   *time.Time
}

// validateProcessed re-reads the episode's items and confirms every
// pending item now satisfies the processed witness: video content type,
// a stored master playlist URL matching the produced one, and a write
// timestamp at or after the marker.
func (p *Pipeline) validateProcessed(ctx context.Context, episodeID string, pendingQuotes []db.Quote, pendingShorts []db.Short, result *transcode.Result, marker time.Time) bool {
	producedQ := producedURLs(result.Quotes)
	producedS := producedURLs(result.Shorts)

	if len(producedQ) != len(pendingQuotes) || len(producedS) != len(pendingShorts) {
		slog.Warn("produced artifact count mismatch",
			"episode_id", episodeID,
			"pending_quotes", len(pendingQuotes), "produced_quotes", len(producedQ),
			"pending_shorts", len(pendingShorts), "produced_shorts", len(producedS))
		return false
	}

	for attempt := 1; attempt <= validationAttempts; attempt++ {
		if attempt > 1 {
			if !sleepCtx(ctx, validationJitter()) {
				return false
			}
		}
		items, err := p.repo.GetQuotesAndShortsByEpisode(ctx, episodeID)
		if err != nil {
			slog.Warn("validation read failed",
				"episode_id", episodeID, "attempt", attempt, "error", err)
			continue
		}

		qStates := make(map[string]itemState, len(items.Quotes))
		for i := range items.Quotes {
			q := &items.Quotes[i]
			qStates[q.QuoteID] = itemState{q.ContentType, q.MasterPlaylistPath(), q.UpdatedAt}
		}
		sStates := make(map[string]itemState, len(items.Shorts))
		for i := range items.Shorts {
			s := &items.Shorts[i]
			sStates[s.ChunkID] = itemState{s.ContentType, s.MasterPlaylistPath(), s.UpdatedAt}
		}

		okQ := validateCategory("quote", quoteIDs(pendingQuotes), producedQ, qStates, marker)
		okS := validateCategory("short", shortIDs(pendingShorts), producedS, sStates, marker)
		if okQ && okS {
			return true
		}
	}
	return false
}

func validateCategory(kind string, pendingIDs []string, produced map[string]string, states map[string]itemState, marker time.Time) bool {
	for _, id := range pendingIDs {
		st, found := states[id]
		if !found {
			slog.Warn("pending item missing from validation snapshot", "kind", kind, "id", id)
			return false
		}
		if !db.IsVideoContentType(st.contentType) {
			slog.Warn("item content type not promoted",
				"kind", kind, "id", id, "content_type", st.contentType)
			return false
		}
		if st.masterPath == "" {
			slog.Warn("item has no stored master playlist", "kind", kind, "id", id)
			return false
		}
		if want, ok := produced[id]; ok && want != st.masterPath {
			slog.Warn("stored master playlist does not match produced URL",
				"kind", kind, "id", id, "stored", st.masterPath, "produced", want)
			return false
		}
		if st.updatedAt == nil || st.updatedAt.Before(marker) {
			slog.Warn("item not updated since validation marker", "kind", kind, "id", id)
			return false
		}
	}
	return true
}

// Processed witness per item: promoted content type plus a stored master
// playlist path.

func quoteProcessed(q *db.Quote) bool {
	return db.IsVideoContentType(q.ContentType) && q.MasterPlaylistPath() != ""
}

func shortProcessed(s *db.Short) bool {
	return db.IsVideoContentType(s.ContentType) && s.MasterPlaylistPath() != ""
}

// Relevance: only items the transcoder could actually cut take part in
// pending-set and completion math.

func quoteRelevant(q *db.Quote) bool {
	_, _, ok := q.ClipWindow()
	return ok
}

func shortRelevant(s *db.Short) bool {
	if !s.IsValidChunk() {
		return false
	}
	_, _, ok := s.ClipWindow()
	return ok
}

func filterPendingQuotes(quotes []db.Quote) []db.Quote {
	var out []db.Quote
	for i := range quotes {
		if quoteRelevant(&quotes[i]) && !quoteProcessed(&quotes[i]) {
			out = append(out, quotes[i])
		}
	}
	return out
}

func filterPendingShorts(shorts []db.Short) []db.Short {
	var out []db.Short
	for i := range shorts {
		if shortRelevant(&shorts[i]) && !shortProcessed(&shorts[i]) {
			out = append(out, shorts[i])
		}
	}
	return out
}

func allQuotesProcessed(quotes []db.Quote) bool {
	for i := range quotes {
		if quoteRelevant(&quotes[i]) && !quoteProcessed(&quotes[i]) {
			return false
		}
	}
	return true
}

func allShortsProcessed(shorts []db.Short) bool {
	for i := range shorts {
		if shortRelevant(&shorts[i]) && !shortProcessed(&shorts[i]) {
			return false
		}
	}
	return true
}

func quoteIDs(quotes []db.Quote) []string {
	ids := make([]string, len(quotes))
	for i := range quotes {
		ids[i] = quotes[i].QuoteID
	}
	return ids
}

func shortIDs(shorts []db.Short) []string {
	ids := make([]string, len(shorts))
	for i := range shorts {
		ids[i] = shorts[i].ChunkID
	}
	return ids
}

func producedURLs(artifacts []transcode.Artifact) map[string]string {
	m := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		m[a.ItemID] = a.MasterURL
	}
	return m
}

func validationJitter() time.Duration {
	return validationJitterMin + rand.N(validationJitterMax-validationJitterMin)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
