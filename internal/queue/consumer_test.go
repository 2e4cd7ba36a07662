package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu         sync.Mutex
	batches    [][]types.Message
	receives   int
	deletes    []string
	sends      []*sqs.SendMessageInput
	visChanges []*sqs.ChangeMessageVisibilityInput
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives++
	if len(f.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visChanges = append(f.visChanges, in)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

func (f *fakeSQS) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fakeAlarms struct {
	mu       sync.Mutex
	episodes []string
}

func (f *fakeAlarms) NotReadyExceeded(ctx context.Context, episodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.episodes = append(f.episodes, episodeID)
}

func testOptions() ConsumerOptions {
	return ConsumerOptions{
		QueueURL:                 "https://sqs.us-east-1.amazonaws.com/123/episodes",
		WaitTimeSeconds:          0,
		VisibilityTimeoutSeconds: 14400,
		RequeueDelaySeconds:      180,
		NotReadyEscalationCount:  3,
	}
}

func rawMsg(body string) *types.Message {
	return &types.Message{
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh-" + body),
		MessageId:     aws.String("mid"),
	}
}

func alwaysConfirmed(ctx context.Context, episodeID string) (bool, bool, error) {
	return true, true, nil
}

func neverConfirmed(ctx context.Context, episodeID string) (bool, bool, error) {
	return true, false, nil
}

func TestSuccessConfirmedDeletes(t *testing.T) {
	fake := &fakeSQS{}
	c := NewConsumer(fake, testOptions(), func(ctx context.Context, m Message) Outcome {
		return OutcomeSuccess
	}, alwaysConfirmed, &fakeAlarms{})

	c.handleMessage(context.Background(), rawMsg(`{"episodeId":"E1"}`))

	require.Equal(t, 1, fake.deleteCount())
	require.Zero(t, fake.sendCount())
	require.Empty(t, c.notReady)
}

func TestSuccessUnconfirmedRequeuesThenDeletes(t *testing.T) {
	fake := &fakeSQS{}
	body := `{"episodeId":"E1"}`
	c := NewConsumer(fake, testOptions(), func(ctx context.Context, m Message) Outcome {
		return OutcomeSuccess
	}, neverConfirmed, &fakeAlarms{})

	c.handleMessage(context.Background(), rawMsg(body))

	require.Equal(t, 1, fake.sendCount())
	require.Equal(t, body, aws.ToString(fake.sends[0].MessageBody))
	require.EqualValues(t, 180, fake.sends[0].DelaySeconds)
	require.Equal(t, 1, fake.deleteCount())
}

func TestNotReadyRequeuesUntilEscalation(t *testing.T) {
	fake := &fakeSQS{}
	alarms := &fakeAlarms{}
	c := NewConsumer(fake, testOptions(), func(ctx context.Context, m Message) Outcome {
		return OutcomeNotReady
	}, alwaysConfirmed, alarms)

	msg := rawMsg(`{"episodeId":"E1"}`)
	c.handleMessage(context.Background(), msg)
	c.handleMessage(context.Background(), msg)
	require.Equal(t, 2, fake.sendCount())
	require.Equal(t, 2, fake.deleteCount())
	require.Empty(t, alarms.episodes)

	// Third round escalates: metric, delete, no requeue, counter reset.
	c.handleMessage(context.Background(), msg)
	require.Equal(t, 2, fake.sendCount())
	require.Equal(t, 3, fake.deleteCount())
	require.Equal(t, []string{"E1"}, alarms.episodes)
	require.Empty(t, c.notReady)
}

func TestFailedLeavesMessage(t *testing.T) {
	fake := &fakeSQS{}
	c := NewConsumer(fake, testOptions(), func(ctx context.Context, m Message) Outcome {
		return OutcomeFailed
	}, alwaysConfirmed, &fakeAlarms{})

	c.handleMessage(context.Background(), rawMsg(`{"episodeId":"E1"}`))

	require.Zero(t, fake.deleteCount())
	require.Zero(t, fake.sendCount())
}

func TestMalformedMessageDeleted(t *testing.T) {
	fake := &fakeSQS{}
	handled := false
	c := NewConsumer(fake, testOptions(), func(ctx context.Context, m Message) Outcome {
		handled = true
		return OutcomeSuccess
	}, alwaysConfirmed, &fakeAlarms{})

	c.handleMessage(context.Background(), rawMsg(`{"noEpisode": true}`))

	require.False(t, handled)
	require.Equal(t, 1, fake.deleteCount())
}

func TestRunStopsOnIdle(t *testing.T) {
	fake := &fakeSQS{}
	opts := testOptions()
	opts.StopOnIdle = true
	c := NewConsumer(fake, opts, func(ctx context.Context, m Message) Outcome {
		return OutcomeSuccess
	}, alwaysConfirmed, &fakeAlarms{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	require.GreaterOrEqual(t, fake.receives, 3)
	require.Equal(t, StateStopped, c.State())
}

func TestRunDrainStopsBetweenMessages(t *testing.T) {
	fake := &fakeSQS{batches: [][]types.Message{
		{*rawMsg(`{"episodeId":"E1"}`), *rawMsg(`{"episodeId":"E2"}`)},
	}}
	var handled []string
	var c *Consumer
	c = NewConsumer(fake, testOptions(), func(ctx context.Context, m Message) Outcome {
		handled = append(handled, m.EpisodeID)
		c.Drain("test")
		return OutcomeSuccess
	}, alwaysConfirmed, &fakeAlarms{})

	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, []string{"E1"}, handled)
	require.Equal(t, 1, fake.receives)
	require.Equal(t, StateStopped, c.State())

	// The unstarted second message was made visible again.
	fake.mu.Lock()
	defer fake.mu.Unlock()
	var zeroed int
	for _, vc := range fake.visChanges {
		if vc.VisibilityTimeout == 0 {
			zeroed++
		}
	}
	require.Equal(t, 1, zeroed)
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	fake := &fakeSQS{}
	c := NewConsumer(fake, testOptions(), func(ctx context.Context, m Message) Outcome {
		return OutcomeSuccess
	}, alwaysConfirmed, &fakeAlarms{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestHeartbeatInterval(t *testing.T) {
	tests := []struct {
		timeoutSec int32
		want       time.Duration
	}{
		{14400, 300 * time.Second},
		{900, 300 * time.Second},
		{600, 200 * time.Second},
		{120, 60 * time.Second},
		{30, 60 * time.Second},
		{0, 60 * time.Second},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, heartbeatInterval(tc.timeoutSec), "timeout=%d", tc.timeoutSec)
	}
}

func TestNextBackoff(t *testing.T) {
	d := emptyPollBackoffStart
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		seen = append(seen, d)
		d = nextBackoff(d)
	}
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 20 * time.Second, 20 * time.Second,
	}, seen)
}

func TestFinalVisibilityExtensionAttempted(t *testing.T) {
	fake := &fakeSQS{}
	c := NewConsumer(fake, testOptions(), func(ctx context.Context, m Message) Outcome {
		return OutcomeSuccess
	}, alwaysConfirmed, &fakeAlarms{})

	c.handleMessage(context.Background(), rawMsg(`{"episodeId":"E1"}`))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.NotEmpty(t, fake.visChanges)
	require.EqualValues(t, 14400, fake.visChanges[len(fake.visChanges)-1].VisibilityTimeout)
}
