package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"soundbite.media/clipsmith/internal/application"
	"soundbite.media/clipsmith/internal/config"
	"soundbite.media/clipsmith/internal/db"
	"soundbite.media/clipsmith/internal/metrics"
	"soundbite.media/clipsmith/internal/ops"
	"soundbite.media/clipsmith/internal/pipeline"
	"soundbite.media/clipsmith/internal/protection"
	"soundbite.media/clipsmith/internal/queue"
	"soundbite.media/clipsmith/internal/storage"
	"soundbite.media/clipsmith/internal/supervisor"
	"soundbite.media/clipsmith/internal/transcode"
)

// consumerStopGrace bounds the wait for the consumer to come to rest
// after a drain completed. By then the handler has returned; only
// outcome routing remains.
const consumerStopGrace = 30 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Starting clipsmith worker")

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	awsCfg, err := application.LoadAWSConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	if err := application.ValidateCredentials(ctx, sts.NewFromConfig(awsCfg)); err != nil {
		slog.Error("AWS credential validation failed", "error", err)
		os.Exit(1)
	}

	pool, err := application.OpenDBPoolWithRetry(ctx, conf)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := db.NewRepository(pool, conf.UpdateBatchSize)

	sqsClient := sqs.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)
	ecsClient := ecs.NewFromConfig(awsCfg)
	emitter := metrics.NewEmitter(cloudwatch.NewFromConfig(awsCfg), conf.MetricNamespace)

	meta, err := protection.FetchTaskMetadata(ctx, nil)
	if err != nil {
		if errors.Is(err, protection.ErrNoMetadataEndpoint) {
			slog.Info("no ECS metadata endpoint, running unprotected")
		} else {
			slog.Warn("task metadata unavailable, running unprotected", "error", err)
		}
	}

	cluster := conf.ECSClusterName
	taskARN := ""
	if meta != nil {
		taskARN = meta.TaskARN
		if cluster == "" {
			cluster = meta.ClusterName()
		}
	}

	manager := protection.NewManager(ecsClient, cluster, taskARN)
	manager.Start(ctx)
	if conf.ProactiveProtection {
		manager.AddCritical(protection.BaselineToken)
	}

	store := storage.NewStore(s3Client, conf.SinglePutMaxBytes, conf.MaxConcurrentUploads)
	producer := transcode.NewProducer(store, repo, emitter, conf.FFmpegPreset, conf.MaxConcurrentProcessing)
	stats := pipeline.NewStats()
	pipe := pipeline.New(repo, producer, manager, emitter, stats, conf.TempDir, conf.CleanupTempFiles)

	consumer := queue.NewConsumer(sqsClient, queue.ConsumerOptions{
		QueueURL:                 conf.QueueURL,
		WaitTimeSeconds:          int32(conf.WaitTimeSeconds),
		VisibilityTimeoutSeconds: int32(conf.VisibilityTimeoutSecs),
		RequeueDelaySeconds:      int32(conf.RequeueDelaySeconds),
		NotReadyEscalationCount:  conf.NotReadyEscalationCount,
		StopOnIdle:               conf.StopOnIdle,
	}, pipe.Handle, episodeFlagsConfirmed(repo), emitter)

	spot := supervisor.DetectSpotCapacity(meta)
	sup := supervisor.New(consumer, manager, supervisor.Options{
		SpotCapacity:       spot,
		StrictBlockSigterm: conf.StrictBlockSigterm,
		DrainTimeout:       time.Duration(conf.CriticalDrainTimeout) * time.Second,
		SpotDrainTimeout:   time.Duration(conf.SpotDrainTimeout) * time.Second,
	})
	slog.Info("lifecycle policy",
		"spot_capacity", spot,
		"proactive_protection", conf.ProactiveProtection,
		"strict_block_sigterm", conf.StrictBlockSigterm,
		"protection_cluster", cluster,
	)

	var opsServer *ops.Server
	if conf.OpsListenAddr != "" {
		opsServer = ops.NewServer(pool, sqsClient, conf.QueueURL, ops.Sources{
			Protection:    manager.Status,
			Stats:         stats.Snapshot,
			ConsumerState: consumer.State,
		})
		go func() {
			slog.Info("ops server listening", "addr", conf.OpsListenAddr)
			if err := opsServer.Start(conf.OpsListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ops server failed", "error", err)
			}
		}()
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(ctx); err != nil {
			slog.Error("consumer stopped with error", "error", err)
		}
	}()

	supDone := make(chan supervisor.Reason, 1)
	go func() { supDone <- sup.Run(ctx) }()

	select {
	case <-consumerDone:
		slog.Info("consumer finished, shutting down")
	case reason := <-supDone:
		slog.Info("shutdown requested", "reason", reason.String())
		select {
		case <-consumerDone:
		case <-time.After(consumerStopGrace):
			slog.Warn("consumer still busy after drain grace period")
		}
	}
	cancel()

	if opsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("ops server shutdown failed", "error", err)
		}
		done()
	}

	stopCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	manager.Stop(stopCtx)
	done()

	snap := stats.Snapshot()
	slog.Info("worker stopped",
		"processed", snap.Processed,
		"succeeded", snap.Succeeded,
		"not_ready", snap.NotReady,
		"failed", snap.Failed)
}

// episodeFlagsConfirmed builds the post-success check the consumer runs
// before deleting a message. A missing episode row counts as confirmed:
// there is nothing left to advance and redelivery cannot help.
func episodeFlagsConfirmed(repo *db.Repository) queue.FlagChecker {
	return func(ctx context.Context, episodeID string) (bool, bool, error) {
		info, err := repo.GetProcessingInfo(ctx, episodeID)
		if err != nil {
			return false, false, err
		}
		if info == nil {
			return true, true, nil
		}
		return info.Flag(db.FlagVideoQuotingDone), info.Flag(db.FlagVideoChunkingDone), nil
	}
}
