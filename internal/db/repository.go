// Package db reads and writes the shared episode catalog. All writes go
// through per-row advisory locks so concurrent workers and the upstream
// pipeline never block each other; contended rows are skipped and retried
// by the caller instead.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEpisodeNotFound is returned by writes that target an episode row that
// does not exist or has been soft-deleted.
var ErrEpisodeNotFound = errors.New("episode not found")

type Repository struct {
	pool      *pgxpool.Pool
	batchSize int
}

// NewRepository wraps a connection pool. batchSize bounds how many rows a
// batch write touches per transaction.
func NewRepository(pool *pgxpool.Pool, batchSize int) *Repository {
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	return &Repository{pool: pool, batchSize: batchSize}
}

const defaultBatchSize = 20

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const episodeSelect = `
SELECT "episodeId", "episodeTitle", "channelName", "contentType",
       "additionalData", "processingInfo", "updatedAt"
FROM "Episodes"
WHERE "episodeId" = $1 AND "deletedAt" IS NULL`

// GetEpisode returns the episode row, or nil when it does not exist.
func (r *Repository) GetEpisode(ctx context.Context, episodeID string) (*Episode, error) {
	var e Episode
	var title, channel, ct pgtype.Text
	var updated pgtype.Timestamptz
	err := r.pool.QueryRow(ctx, episodeSelect, episodeID).Scan(
		&e.EpisodeID, &title, &channel, &ct,
		&e.AdditionalData, &e.ProcessingInfo, &updated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode %s: %w", episodeID, err)
	}
	e.EpisodeTitle = title.String
	e.ChannelName = channel.String
	e.ContentType = ct.String
	e.UpdatedAt = NilTimePtr(updated)
	return &e, nil
}

// GetProcessingInfo returns the episode's processingInfo document, or nil
// when the episode does not exist or carries none.
func (r *Repository) GetProcessingInfo(ctx context.Context, episodeID string) (ProcessingInfo, error) {
	var info ProcessingInfo
	err := r.pool.QueryRow(ctx,
		`SELECT "processingInfo" FROM "Episodes" WHERE "episodeId" = $1 AND "deletedAt" IS NULL`,
		episodeID,
	).Scan(&info)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get processing info %s: %w", episodeID, err)
	}
	return info, nil
}

const quoteSelect = `
SELECT "quoteId", "episodeId", "quoteRank",
       "contextStartMs", "contextEndMs", "quoteStartMs", "quoteEndMs",
       "contentType", "additionalData", "updatedAt"
FROM "Quotes"
WHERE "episodeId" = $1 AND "deletedAt" IS NULL
ORDER BY "quoteRank" ASC NULLS LAST`

// GetQuotesByEpisode returns the episode's live quotes in rank order.
func (r *Repository) GetQuotesByEpisode(ctx context.Context, episodeID string) ([]Quote, error) {
	return queryQuotes(ctx, r.pool, episodeID)
}

func queryQuotes(ctx context.Context, q querier, episodeID string) ([]Quote, error) {
	rows, err := q.Query(ctx, quoteSelect, episodeID)
	if err != nil {
		return nil, fmt.Errorf("query quotes for %s: %w", episodeID, err)
	}
	defer rows.Close()

	var quotes []Quote
	for rows.Next() {
		var qt Quote
		var rank pgtype.Int4
		var ctxStart, ctxEnd, qStart, qEnd pgtype.Int8
		var ct pgtype.Text
		var updated pgtype.Timestamptz
		if err := rows.Scan(
			&qt.QuoteID, &qt.EpisodeID, &rank,
			&ctxStart, &ctxEnd, &qStart, &qEnd,
			&ct, &qt.AdditionalData, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		qt.QuoteRank = NilInt32Ptr(rank)
		qt.ContextStartMs = NilInt64Ptr(ctxStart)
		qt.ContextEndMs = NilInt64Ptr(ctxEnd)
		qt.QuoteStartMs = NilInt64Ptr(qStart)
		qt.QuoteEndMs = NilInt64Ptr(qEnd)
		qt.ContentType = ct.String
		qt.UpdatedAt = NilTimePtr(updated)
		quotes = append(quotes, qt)
	}
	return quotes, rows.Err()
}

const shortSelect = `
SELECT "chunkId", "episodeId", "startMs", "endMs", "chunkLength",
       "isRemovedChunk", "transcript", "contentType", "additionalData", "updatedAt"
FROM "Shorts"
WHERE "episodeId" = $1 AND "deletedAt" IS NULL
ORDER BY "startMs" ASC`

// GetShortsByEpisode returns the episode's live shorts in timeline order.
func (r *Repository) GetShortsByEpisode(ctx context.Context, episodeID string) ([]Short, error) {
	return queryShorts(ctx, r.pool, episodeID)
}

func queryShorts(ctx context.Context, q querier, episodeID string) ([]Short, error) {
	rows, err := q.Query(ctx, shortSelect, episodeID)
	if err != nil {
		return nil, fmt.Errorf("query shorts for %s: %w", episodeID, err)
	}
	defer rows.Close()

	var shorts []Short
	for rows.Next() {
		var s Short
		var start, end pgtype.Int8
		var length pgtype.Float8
		var removed pgtype.Bool
		var transcript, ct pgtype.Text
		var updated pgtype.Timestamptz
		if err := rows.Scan(
			&s.ChunkID, &s.EpisodeID, &start, &end, &length,
			&removed, &transcript, &ct, &s.AdditionalData, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan short: %w", err)
		}
		s.StartMs = NilInt64Ptr(start)
		s.EndMs = NilInt64Ptr(end)
		s.ChunkLength = NilFloat64Ptr(length)
		s.IsRemovedChunk = removed.Bool
		s.Transcript = NilStringPtr(transcript)
		s.ContentType = ct.String
		s.UpdatedAt = NilTimePtr(updated)
		shorts = append(shorts, s)
	}
	return shorts, rows.Err()
}

// GetQuotesAndShortsByEpisode reads both item lists in one repeatable-read
// transaction so post-write validation sees a single consistent snapshot.
func (r *Repository) GetQuotesAndShortsByEpisode(ctx context.Context, episodeID string) (*EpisodeItems, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot read: %w", err)
	}
	defer tx.Rollback(ctx)

	quotes, err := queryQuotes(ctx, tx, episodeID)
	if err != nil {
		return nil, err
	}
	shorts, err := queryShorts(ctx, tx, episodeID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit snapshot read: %w", err)
	}
	return &EpisodeItems{Quotes: quotes, Shorts: shorts}, nil
}

// ListEpisodesPendingVideoChunking returns ids of episodes whose audio
// chunking finished but whose video chunk renditions were never produced,
// newest first. limit <= 0 means no limit.
func (r *Repository) ListEpisodesPendingVideoChunking(ctx context.Context, limit int) ([]string, error) {
	sql := `
SELECT "episodeId" FROM "Episodes"
WHERE NOT ("processingInfo" ? 'videoChunkingDone')
  AND "processingInfo"->>'chunkingDone' = 'true'
  AND "deletedAt" IS NULL
ORDER BY "updatedAt" DESC`
	args := []any{}
	if limit > 0 {
		sql += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending episodes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan episode id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
