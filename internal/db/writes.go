package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// WriteResult reports what a locked write did.
type WriteResult int

const (
	// WriteSkipped means the row's advisory lock was held elsewhere and
	// nothing was written. Callers retry later.
	WriteSkipped WriteResult = iota
	// WriteNoop means the row was already in the desired state.
	WriteNoop
	// WriteUpdated means the row was changed.
	WriteUpdated
)

func (w WriteResult) String() string {
	switch w {
	case WriteSkipped:
		return "skipped"
	case WriteNoop:
		return "noop"
	case WriteUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Applied reports whether the write settled (wrote or found nothing to
// write), as opposed to being skipped on lock contention.
func (w WriteResult) Applied() bool { return w != WriteSkipped }

// Advisory lock scopes. The two-int form of pg_try_advisory_xact_lock keys
// on (scope, hash of the row id), so episode, quote and short writes never
// collide across entity kinds.
type lockScope int32

const (
	lockScopeEpisode lockScope = 1
	lockScopeQuote   lockScope = 2
	lockScopeShort   lockScope = 3
)

func advisoryLockKey(id string) int32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int32(h.Sum32())
}

// Write transactions keep short timeouts: a worker that cannot get a row
// lock quickly should skip and retry rather than queue behind the upstream
// pipeline's bulk writes.
const (
	writeStatementTimeout = "120s"
	writeLockTimeout      = "1s"
)

// lockedWrite runs fn inside a transaction holding the row's advisory
// lock. When the lock is busy it returns WriteSkipped without invoking fn.
func (r *Repository) lockedWrite(ctx context.Context, scope lockScope, id string, fn func(context.Context, pgx.Tx) (WriteResult, error)) (WriteResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return WriteSkipped, fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL statement_timeout = '"+writeStatementTimeout+"'"); err != nil {
		return WriteSkipped, fmt.Errorf("set statement_timeout: %w", err)
	}
	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+writeLockTimeout+"'"); err != nil {
		return WriteSkipped, fmt.Errorf("set lock_timeout: %w", err)
	}

	var locked bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", int32(scope), advisoryLockKey(id)).Scan(&locked); err != nil {
		return WriteSkipped, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		return WriteSkipped, nil
	}

	res, err := fn(ctx, tx)
	if err != nil {
		return WriteSkipped, err
	}
	if err := tx.Commit(ctx); err != nil {
		return WriteSkipped, fmt.Errorf("commit write: %w", err)
	}
	return res, nil
}

type itemTable struct {
	table string
	idCol string
	scope lockScope
	kind  string
}

var (
	quoteTable = itemTable{table: `"Quotes"`, idCol: `"quoteId"`, scope: lockScopeQuote, kind: "quote"}
	shortTable = itemTable{table: `"Shorts"`, idCol: `"chunkId"`, scope: lockScopeShort, kind: "short"}
)

// SetQuoteMaster records the quote's HLS master playlist URL and promotes
// its contentType to video.
func (r *Repository) SetQuoteMaster(ctx context.Context, quoteID, masterURL string) (WriteResult, error) {
	return r.mergeItemData(ctx, quoteTable, quoteID, map[string]any{KeyMasterPlaylistPath: masterURL})
}

// SetShortMaster records the short's HLS master playlist URL and promotes
// its contentType to video.
func (r *Repository) SetShortMaster(ctx context.Context, chunkID, masterURL string) (WriteResult, error) {
	return r.mergeItemData(ctx, shortTable, chunkID, map[string]any{KeyMasterPlaylistPath: masterURL})
}

// UpdateQuoteAdditionalData merges keys into the quote's additionalData
// document and promotes its contentType to video.
func (r *Repository) UpdateQuoteAdditionalData(ctx context.Context, quoteID string, data map[string]any) (WriteResult, error) {
	return r.mergeItemData(ctx, quoteTable, quoteID, data)
}

// UpdateShortAdditionalData merges keys into the short's additionalData
// document and promotes its contentType to video.
func (r *Repository) UpdateShortAdditionalData(ctx context.Context, chunkID string, data map[string]any) (WriteResult, error) {
	return r.mergeItemData(ctx, shortTable, chunkID, data)
}

// mergeItemData JSON-merges data into the row's additionalData and writes
// the canonical contentType. Only columns whose values actually change are
// written; untouched keys in additionalData are preserved by the merge.
func (r *Repository) mergeItemData(ctx context.Context, t itemTable, id string, data map[string]any) (WriteResult, error) {
	op := "merge " + t.kind + " data"
	return withTransientRetry(ctx, op, writeAttempts, func(ctx context.Context) (WriteResult, error) {
		return r.lockedWrite(ctx, t.scope, id, func(ctx context.Context, tx pgx.Tx) (WriteResult, error) {
			var current map[string]any
			var ct pgtype.Text
			err := tx.QueryRow(ctx,
				`SELECT "additionalData", "contentType" FROM `+t.table+` WHERE `+t.idCol+` = $1 AND "deletedAt" IS NULL`,
				id,
			).Scan(&current, &ct)
			if errors.Is(err, pgx.ErrNoRows) {
				slog.Warn("row vanished before update", "kind", t.kind, "id", id)
				return WriteNoop, nil
			}
			if err != nil {
				return WriteSkipped, fmt.Errorf("read current row: %w", err)
			}

			changed := make(map[string]any, len(data))
			for k, v := range data {
				if cur, ok := current[k]; !ok || !reflect.DeepEqual(cur, v) {
					changed[k] = v
				}
			}
			needContentType := ct.String != ContentTypeVideo

			if len(changed) == 0 && !needContentType {
				return WriteNoop, nil
			}

			sets := []string{`"updatedAt" = now()`}
			args := []any{id}
			if len(changed) > 0 {
				args = append(args, changed)
				sets = append(sets, fmt.Sprintf(`"additionalData" = COALESCE("additionalData", '{}'::jsonb) || $%d::jsonb`, len(args)))
			}
			if needContentType {
				args = append(args, ContentTypeVideo)
				sets = append(sets, fmt.Sprintf(`"contentType" = $%d`, len(args)))
			}

			sql := `UPDATE ` + t.table + ` SET ` + strings.Join(sets, ", ") +
				` WHERE ` + t.idCol + ` = $1 AND "deletedAt" IS NULL`
			tag, err := tx.Exec(ctx, sql, args...)
			if err != nil {
				return WriteSkipped, fmt.Errorf("update row: %w", err)
			}
			if tag.RowsAffected() == 0 {
				slog.Warn("row vanished during update", "kind", t.kind, "id", id)
				return WriteNoop, nil
			}
			return WriteUpdated, nil
		})
	})
}

// UpdateEpisodeContentType promotes the episode's contentType to the
// canonical video value.
func (r *Repository) UpdateEpisodeContentType(ctx context.Context, episodeID string) (WriteResult, error) {
	return withTransientRetry(ctx, "update episode content type", writeAttempts, func(ctx context.Context) (WriteResult, error) {
		return r.lockedWrite(ctx, lockScopeEpisode, episodeID, func(ctx context.Context, tx pgx.Tx) (WriteResult, error) {
			var ct pgtype.Text
			err := tx.QueryRow(ctx,
				`SELECT "contentType" FROM "Episodes" WHERE "episodeId" = $1 AND "deletedAt" IS NULL`,
				episodeID,
			).Scan(&ct)
			if errors.Is(err, pgx.ErrNoRows) {
				return WriteSkipped, fmt.Errorf("update episode content type: %w", ErrEpisodeNotFound)
			}
			if err != nil {
				return WriteSkipped, fmt.Errorf("read episode content type: %w", err)
			}
			if ct.String == ContentTypeVideo {
				return WriteNoop, nil
			}

			_, err = tx.Exec(ctx,
				`UPDATE "Episodes" SET "contentType" = $2, "updatedAt" = now() WHERE "episodeId" = $1 AND "deletedAt" IS NULL`,
				episodeID, ContentTypeVideo,
			)
			if err != nil {
				return WriteSkipped, fmt.Errorf("update episode content type: %w", err)
			}
			return WriteUpdated, nil
		})
	})
}

// UpdateEpisodeProcessingFlags sets the requested processingInfo flags to
// true, merging into the existing document so flags owned by other stages
// survive. Flags are never unset. Returns the document as stored after the
// write.
func (r *Repository) UpdateEpisodeProcessingFlags(ctx context.Context, episodeID string, setVideoQuotingDone, setVideoChunkingDone bool) (ProcessingInfo, WriteResult, error) {
	if !setVideoQuotingDone && !setVideoChunkingDone {
		return nil, WriteNoop, errors.New("update processing flags: no flags requested")
	}

	var merged ProcessingInfo
	res, err := withTransientRetry(ctx, "update processing flags", writeAttempts, func(ctx context.Context) (WriteResult, error) {
		return r.lockedWrite(ctx, lockScopeEpisode, episodeID, func(ctx context.Context, tx pgx.Tx) (WriteResult, error) {
			var current ProcessingInfo
			err := tx.QueryRow(ctx,
				`SELECT "processingInfo" FROM "Episodes" WHERE "episodeId" = $1 AND "deletedAt" IS NULL`,
				episodeID,
			).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return WriteSkipped, fmt.Errorf("update processing flags: %w", ErrEpisodeNotFound)
			}
			if err != nil {
				return WriteSkipped, fmt.Errorf("read processing info: %w", err)
			}

			expr := `COALESCE("processingInfo", '{}'::jsonb)`
			dirty := false
			if setVideoQuotingDone {
				if !current.Flag(FlagVideoQuotingDone) {
					dirty = true
				}
				expr = fmt.Sprintf(`jsonb_set(%s, '{%s}', 'true', true)`, expr, FlagVideoQuotingDone)
			}
			if setVideoChunkingDone {
				if !current.Flag(FlagVideoChunkingDone) {
					dirty = true
				}
				expr = fmt.Sprintf(`jsonb_set(%s, '{%s}', 'true', true)`, expr, FlagVideoChunkingDone)
			}
			if !dirty {
				merged = current
				return WriteNoop, nil
			}

			err = tx.QueryRow(ctx,
				`UPDATE "Episodes" SET "processingInfo" = `+expr+`, "updatedAt" = now()
				 WHERE "episodeId" = $1 AND "deletedAt" IS NULL
				 RETURNING "processingInfo"`,
				episodeID,
			).Scan(&merged)
			if errors.Is(err, pgx.ErrNoRows) {
				return WriteSkipped, fmt.Errorf("update processing flags: %w", ErrEpisodeNotFound)
			}
			if err != nil {
				return WriteSkipped, fmt.Errorf("update processing flags: %w", err)
			}
			return WriteUpdated, nil
		})
	})
	if err != nil {
		return nil, res, err
	}
	return merged, res, nil
}

// BatchResult reports which rows a batch write updated and which were
// skipped on lock contention.
type BatchResult struct {
	Updated []string
	Skipped []string
}

// NormalizeQuoteContentTypes rewrites legacy-cased quote contentType values
// to the canonical lowercase form.
func (r *Repository) NormalizeQuoteContentTypes(ctx context.Context) (BatchResult, error) {
	return r.normalizeContentTypes(ctx, quoteTable)
}

// NormalizeShortContentTypes rewrites legacy-cased short contentType values
// to the canonical lowercase form.
func (r *Repository) NormalizeShortContentTypes(ctx context.Context) (BatchResult, error) {
	return r.normalizeContentTypes(ctx, shortTable)
}

func (r *Repository) normalizeContentTypes(ctx context.Context, t itemTable) (BatchResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+t.idCol+` FROM `+t.table+`
		 WHERE lower("contentType") = $1 AND "contentType" <> $1 AND "deletedAt" IS NULL`,
		ContentTypeVideo,
	)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list legacy %s content types: %w", t.kind, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return BatchResult{}, fmt.Errorf("scan %s id: %w", t.kind, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return BatchResult{}, err
	}

	return r.batchUpdateContentType(ctx, t, ids)
}

// batchUpdateContentType writes the canonical contentType to the given rows
// in chunks. Within each chunk every row is lock-tried individually and
// only the locked rows are updated; contended rows are reported back in
// Skipped rather than blocking the chunk.
func (r *Repository) batchUpdateContentType(ctx context.Context, t itemTable, ids []string) (BatchResult, error) {
	var result BatchResult
	for start := 0; start < len(ids); start += r.batchSize {
		end := start + r.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		chunkRes, err := withTransientRetry(ctx, "batch update "+t.kind+" content type", writeAttempts, func(ctx context.Context) (BatchResult, error) {
			return r.updateContentTypeChunk(ctx, t, chunk)
		})
		if err != nil {
			return result, err
		}
		result.Updated = append(result.Updated, chunkRes.Updated...)
		result.Skipped = append(result.Skipped, chunkRes.Skipped...)
	}
	return result, nil
}

func (r *Repository) updateContentTypeChunk(ctx context.Context, t itemTable, chunk []string) (BatchResult, error) {
	var res BatchResult

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin batch write: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL statement_timeout = '"+writeStatementTimeout+"'"); err != nil {
		return res, fmt.Errorf("set statement_timeout: %w", err)
	}
	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+writeLockTimeout+"'"); err != nil {
		return res, fmt.Errorf("set lock_timeout: %w", err)
	}

	for _, id := range chunk {
		var locked bool
		if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", int32(t.scope), advisoryLockKey(id)).Scan(&locked); err != nil {
			return BatchResult{}, fmt.Errorf("try advisory lock: %w", err)
		}
		if locked {
			res.Updated = append(res.Updated, id)
		} else {
			res.Skipped = append(res.Skipped, id)
		}
	}

	if len(res.Updated) > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE `+t.table+` SET "contentType" = $1, "updatedAt" = now()
			 WHERE `+t.idCol+` = ANY($2) AND "deletedAt" IS NULL`,
			ContentTypeVideo, res.Updated,
		)
		if err != nil {
			return BatchResult{}, fmt.Errorf("batch update: %w", err)
		}
		if int(tag.RowsAffected()) != len(res.Updated) {
			slog.Warn("batch update count mismatch",
				"kind", t.kind,
				"locked", len(res.Updated),
				"updated", tag.RowsAffected(),
			)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("commit batch write: %w", err)
	}
	return res, nil
}
