package s3url

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want Location
	}{
		{
			name: "virtual hosted",
			url:  "https://my-bucket.s3.us-east-1.amazonaws.com/podcast/episode/video.mp4",
			want: Location{Bucket: "my-bucket", Region: "us-east-1", KeyPrefix: "podcast/episode/", Filename: "video.mp4"},
		},
		{
			name: "virtual hosted root object",
			url:  "https://bucket.s3.eu-west-2.amazonaws.com/video.mp4",
			want: Location{Bucket: "bucket", Region: "eu-west-2", KeyPrefix: "", Filename: "video.mp4"},
		},
		{
			name: "virtual hosted deep prefix",
			url:  "http://b.s3.us-west-2.amazonaws.com/a/b/c/d/file.m3u8",
			want: Location{Bucket: "b", Region: "us-west-2", KeyPrefix: "a/b/c/d/", Filename: "file.m3u8"},
		},
		{
			name: "path style",
			url:  "https://s3.us-east-1.amazonaws.com/my-bucket/podcast/episode/video.mp4",
			want: Location{Bucket: "my-bucket", Region: "us-east-1", KeyPrefix: "podcast/episode/", Filename: "video.mp4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
			assert.Equal(t, tt.want.KeyPrefix+tt.want.Filename, got.Key())
		})
	}
}

func TestParseRejectsUnrecognized(t *testing.T) {
	for _, url := range []string{
		"",
		"not a url",
		"https://example.com/video.mp4",
		"https://bucket.s3.amazonaws.com/video.mp4", // legacy global endpoint, no region
		"s3://bucket/key/video.mp4",
		"https://bucket.s3.us-east-1.amazonaws.com/", // no filename
	} {
		_, err := Parse(url)
		assert.Error(t, err, "expected error for %q", url)
	}
}

func TestPublicURL(t *testing.T) {
	got := PublicURL("my-bucket", "us-east-1", "podcast/episode/q1/video/q1.mp4")
	assert.Equal(t, "https://my-bucket.s3.us-east-1.amazonaws.com/podcast/episode/q1/video/q1.mp4", got)
}

func TestParseRoundTrip(t *testing.T) {
	url := PublicURL("bucket", "us-east-2", "a/b/master.m3u8")
	loc, err := Parse(url)
	require.NoError(t, err)
	assert.Equal(t, "a/b/master.m3u8", loc.Key())
	assert.Equal(t, url, PublicURL(loc.Bucket, loc.Region, loc.Key()))
}
