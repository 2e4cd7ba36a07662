package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Message
		wantErr bool
	}{
		{
			name: "minimal",
			body: `{"episodeId": "ep-123"}`,
			want: Message{EpisodeID: "ep-123"},
		},
		{
			name: "force flags as bools",
			body: `{"episodeId": "ep-123", "force_video_chunking": true, "force_video_quotes": false}`,
			want: Message{EpisodeID: "ep-123", ForceVideoChunking: true},
		},
		{
			name: "force flags as strings",
			body: `{"episodeId": "ep-123", "force_video_chunking": "TRUE", "force_video_quotes": "false"}`,
			want: Message{EpisodeID: "ep-123", ForceVideoChunking: true},
		},
		{
			name: "unknown fields ignored",
			body: `{"episodeId": "ep-123", "requestedBy": "backfill", "priority": 9}`,
			want: Message{EpisodeID: "ep-123"},
		},
		{
			name: "episode id trimmed",
			body: `{"episodeId": "  ep-123  "}`,
			want: Message{EpisodeID: "ep-123"},
		},
		{
			name:    "missing episode id",
			body:    `{"force_video_chunking": true}`,
			wantErr: true,
		},
		{
			name:    "blank episode id",
			body:    `{"episodeId": "   "}`,
			wantErr: true,
		},
		{
			name:    "episode id wrong type",
			body:    `{"episodeId": 42}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `episodeId=ep-123`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tc.body))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "success", OutcomeSuccess.String())
	require.Equal(t, "not_ready", OutcomeNotReady.String())
	require.Equal(t, "failed", OutcomeFailed.String())
	require.Equal(t, "outcome(9)", Outcome(9).String())
}
