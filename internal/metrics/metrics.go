// Package metrics emits the worker's integrity and alert counters to
// CloudWatch. Every emission is fire-and-forget: a metrics outage must
// never fail a processing run, so errors are logged and swallowed.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// ErrorType values reported under the ProcessingError metric. Alarms key
// on these, so the strings are part of the operational contract.
const (
	ErrTypeEpisodeLookupFailure        = "EpisodeLookupFailure"
	ErrTypeMissingProcessingStatus     = "MissingProcessingStatus"
	ErrTypeMissingVideoLocation        = "MissingVideoLocation"
	ErrTypeMissingVideoKey             = "MissingVideoKey"
	ErrTypeMissingS3Key                = "MissingS3Key"
	ErrTypeMissingTitles               = "MissingTitles"
	ErrTypeZeroQuotesUnexpected        = "ZeroQuotesUnexpected"
	ErrTypeZeroChunksUnexpected        = "ZeroChunksUnexpected"
	ErrTypeZeroQuotesAlreadyProcessed  = "ZeroQuotesAlreadyProcessed"
	ErrTypeZeroChunksAlreadyProcessed  = "ZeroChunksAlreadyProcessed"
	ErrTypeZeroQuotesFinalize          = "ZeroQuotesFinalize"
	ErrTypeZeroChunksFinalize          = "ZeroChunksFinalize"
	ErrTypeUpdateProcessingFlagsFailed = "UpdateProcessingFlagsFailure"
	ErrTypeUnhandledException          = "UnhandledException"
)

// maxErrorTypeLen bounds the ErrorType dimension so arbitrary error text
// can never blow CloudWatch's dimension value limit.
const maxErrorTypeLen = 100

// api is the CloudWatch surface the emitter needs.
type api interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Emitter publishes counters under two namespaces derived from a base:
// {base}/Integrity for invariant violations observed during processing,
// and {base}/Alerts for conditions an operator should page on.
type Emitter struct {
	api         api
	integrityNS string
	alertsNS    string
}

func NewEmitter(client api, baseNamespace string) *Emitter {
	if baseNamespace == "" {
		baseNamespace = "Clipsmith"
	}
	return &Emitter{
		api:         client,
		integrityNS: baseNamespace + "/Integrity",
		alertsNS:    baseNamespace + "/Alerts",
	}
}

// ZeroQuotes records that an episode expected to have quotes has none.
func (e *Emitter) ZeroQuotes(ctx context.Context, episodeID string) {
	e.put(ctx, e.integrityNS, "ZeroQuotes", dim("EpisodeId", episodeID))
}

// ZeroChunks records that an episode expected to have shorts has none.
func (e *Emitter) ZeroChunks(ctx context.Context, episodeID string) {
	e.put(ctx, e.integrityNS, "ZeroChunks", dim("EpisodeId", episodeID))
}

// ProcessingError records a classified processing failure. episodeID may
// be empty when the failure happened before the message was attributed.
func (e *Emitter) ProcessingError(ctx context.Context, errorType, episodeID string) {
	if len(errorType) > maxErrorTypeLen {
		errorType = errorType[:maxErrorTypeLen]
	}
	dims := dim("ErrorType", errorType)
	if episodeID != "" {
		dims = append(dims, dim("EpisodeId", episodeID)...)
	}
	e.put(ctx, e.integrityNS, "ProcessingError", dims)
}

// NotReadyExceeded records that an episode hit the NotReady escalation
// threshold and its message was dropped.
func (e *Emitter) NotReadyExceeded(ctx context.Context, episodeID string) {
	e.put(ctx, e.alertsNS, "NotReadyCountExceeded", dim("EpisodeId", episodeID))
}

// DbUpdateRetryFailed records that a per-item database update exhausted
// its retries and the item was left unwritten.
func (e *Emitter) DbUpdateRetryFailed(ctx context.Context, itemType, id string) {
	dims := append(dim("ItemType", itemType), dim("Id", id)...)
	e.put(ctx, e.alertsNS, "DbUpdateRetryFailed", dims)
}

func (e *Emitter) put(ctx context.Context, namespace, name string, dims []types.Dimension) {
	if e.api == nil {
		return
	}
	_, err := e.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(namespace),
		MetricData: []types.MetricDatum{{
			MetricName: aws.String(name),
			Dimensions: dims,
			Timestamp:  aws.Time(time.Now().UTC()),
			Value:      aws.Float64(1),
			Unit:       types.StandardUnitCount,
		}},
	})
	if err != nil {
		slog.Error("metric emission failed", "namespace", namespace, "metric", name, "error", err)
		return
	}
	slog.Warn("alarm metric emitted", "namespace", namespace, "metric", name)
}

func dim(name, value string) []types.Dimension {
	return []types.Dimension{{Name: aws.String(name), Value: aws.String(value)}}
}
