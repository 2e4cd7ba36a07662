// Command backfill enqueues processing jobs for episodes whose video
// chunking never completed, and can first normalize legacy contentType
// casing so the scan sees them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"soundbite.media/clipsmith/internal/application"
	"soundbite.media/clipsmith/internal/config"
	"soundbite.media/clipsmith/internal/db"
)

func main() {
	limit := flag.Int("limit", 100, "maximum number of episodes to enqueue")
	dryRun := flag.Bool("dry-run", false, "list matching episodes without sending messages")
	normalize := flag.Bool("normalize-casing", false, "rewrite legacy contentType casing before scanning")
	flag.Parse()

	startupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	slog.Info("Starting backfill", "limit", *limit, "dry_run", *dryRun, "normalize_casing", *normalize)

	conf, err := config.LoadConfig(startupCtx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	pool, err := application.OpenDBPoolWithRetry(startupCtx, conf)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := db.NewRepository(pool, conf.UpdateBatchSize)
	ctx := context.Background()

	if *normalize {
		quotes, err := repo.NormalizeQuoteContentTypes(ctx)
		if err != nil {
			slog.Error("quote contentType normalization failed", "error", err)
			os.Exit(1)
		}
		shorts, err := repo.NormalizeShortContentTypes(ctx)
		if err != nil {
			slog.Error("short contentType normalization failed", "error", err)
			os.Exit(1)
		}
		slog.Info("contentType casing normalized",
			"quotes_updated", len(quotes.Updated),
			"quotes_skipped", len(quotes.Skipped),
			"shorts_updated", len(shorts.Updated),
			"shorts_skipped", len(shorts.Skipped))
	}

	ids, err := repo.ListEpisodesPendingVideoChunking(ctx, *limit)
	if err != nil {
		slog.Error("pending-episode scan failed", "error", err)
		os.Exit(1)
	}
	if len(ids) == 0 {
		slog.Info("no episodes pending video chunking")
		return
	}

	if *dryRun {
		for _, id := range ids {
			slog.Info("would enqueue", "episode_id", id)
		}
		slog.Info("dry run complete", "episodes", len(ids))
		return
	}

	awsCfg, err := application.LoadAWSConfig(startupCtx)
	if err != nil {
		slog.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	client := sqs.NewFromConfig(awsCfg)

	sent := 0
	for _, id := range ids {
		body, err := json.Marshal(map[string]string{"episodeId": id})
		if err != nil {
			slog.Error("marshal message failed", "episode_id", id, "error", err)
			continue
		}
		if _, err := client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(conf.QueueURL),
			MessageBody: aws.String(string(body)),
		}); err != nil {
			slog.Error("enqueue failed", "episode_id", id, "error", err)
			continue
		}
		sent++
	}

	slog.Info("backfill complete", "matched", len(ids), "enqueued", sent)
	if sent < len(ids) {
		os.Exit(1)
	}
}
