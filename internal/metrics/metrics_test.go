package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/require"
)

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, params)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func dimsOf(in *cloudwatch.PutMetricDataInput) map[string]string {
	out := map[string]string{}
	for _, d := range in.MetricData[0].Dimensions {
		out[aws.ToString(d.Name)] = aws.ToString(d.Value)
	}
	return out
}

func TestZeroQuotes(t *testing.T) {
	cw := &fakeCloudWatch{}
	e := NewEmitter(cw, "Clipsmith")

	e.ZeroQuotes(context.Background(), "ep-1")

	require.Len(t, cw.inputs, 1)
	in := cw.inputs[0]
	require.Equal(t, "Clipsmith/Integrity", aws.ToString(in.Namespace))
	require.Equal(t, "ZeroQuotes", aws.ToString(in.MetricData[0].MetricName))
	require.Equal(t, map[string]string{"EpisodeId": "ep-1"}, dimsOf(in))
	require.Equal(t, 1.0, aws.ToFloat64(in.MetricData[0].Value))
}

func TestProcessingErrorDimensions(t *testing.T) {
	cw := &fakeCloudWatch{}
	e := NewEmitter(cw, "Clipsmith")

	e.ProcessingError(context.Background(), ErrTypeMissingTitles, "ep-2")
	require.Equal(t, map[string]string{
		"ErrorType": "MissingTitles",
		"EpisodeId": "ep-2",
	}, dimsOf(cw.inputs[0]))

	e.ProcessingError(context.Background(), ErrTypeUnhandledException, "")
	require.Equal(t, map[string]string{
		"ErrorType": "UnhandledException",
	}, dimsOf(cw.inputs[1]))
}

func TestProcessingErrorTruncatesType(t *testing.T) {
	cw := &fakeCloudWatch{}
	e := NewEmitter(cw, "Clipsmith")

	long := strings.Repeat("x", 300)
	e.ProcessingError(context.Background(), long, "")

	got := dimsOf(cw.inputs[0])["ErrorType"]
	require.Len(t, got, 100)
}

func TestAlertsNamespace(t *testing.T) {
	cw := &fakeCloudWatch{}
	e := NewEmitter(cw, "Clipsmith")

	e.NotReadyExceeded(context.Background(), "ep-3")
	require.Equal(t, "Clipsmith/Alerts", aws.ToString(cw.inputs[0].Namespace))
	require.Equal(t, "NotReadyCountExceeded", aws.ToString(cw.inputs[0].MetricData[0].MetricName))

	e.DbUpdateRetryFailed(context.Background(), "quote", "q-9")
	require.Equal(t, "Clipsmith/Alerts", aws.ToString(cw.inputs[1].Namespace))
	require.Equal(t, map[string]string{"ItemType": "quote", "Id": "q-9"}, dimsOf(cw.inputs[1]))
}

func TestEmitSwallowsErrors(t *testing.T) {
	cw := &fakeCloudWatch{err: errors.New("throttled")}
	e := NewEmitter(cw, "Clipsmith")

	require.NotPanics(t, func() {
		e.ZeroChunks(context.Background(), "ep-4")
	})
	require.Len(t, cw.inputs, 1)
}

func TestNilClientDisablesEmitter(t *testing.T) {
	e := NewEmitter(nil, "Clipsmith")
	require.NotPanics(t, func() {
		e.ZeroQuotes(context.Background(), "ep-5")
		e.ProcessingError(context.Background(), ErrTypeMissingS3Key, "ep-5")
	})
}

func TestDefaultNamespace(t *testing.T) {
	cw := &fakeCloudWatch{}
	e := NewEmitter(cw, "")
	e.ZeroQuotes(context.Background(), "ep-6")
	require.Equal(t, "Clipsmith/Integrity", aws.ToString(cw.inputs[0].Namespace))
}
