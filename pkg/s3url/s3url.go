// Package s3url parses and formats Amazon S3 object URLs.
package s3url

import (
	"fmt"
	"regexp"
)

// virtualHostedRe matches https://{bucket}.s3.{region}.amazonaws.com/{key}.
var virtualHostedRe = regexp.MustCompile(`^https?://([^.]+)\.s3\.([^.]+)\.amazonaws\.com/((?:[^/]+/)*)([^/]+)$`)

// pathStyleRe matches https://s3.{region}.amazonaws.com/{bucket}/{key}.
var pathStyleRe = regexp.MustCompile(`^https?://s3\.([^.]+)\.amazonaws\.com/([^/]+)/((?:[^/]+/)*)([^/]+)$`)

// Location identifies an object within a bucket. KeyPrefix is the directory
// portion of the key and keeps its trailing slash; it may be empty for
// objects at the bucket root.
type Location struct {
	Bucket    string
	Region    string
	KeyPrefix string
	Filename  string
}

// Key returns the full object key.
func (l Location) Key() string {
	return l.KeyPrefix + l.Filename
}

// Parse extracts the bucket, region, key prefix, and filename from a
// virtual-hosted-style or path-style S3 URL.
func Parse(raw string) (*Location, error) {
	if m := virtualHostedRe.FindStringSubmatch(raw); m != nil {
		return &Location{Bucket: m[1], Region: m[2], KeyPrefix: m[3], Filename: m[4]}, nil
	}
	if m := pathStyleRe.FindStringSubmatch(raw); m != nil {
		return &Location{Bucket: m[2], Region: m[1], KeyPrefix: m[3], Filename: m[4]}, nil
	}
	return nil, fmt.Errorf("s3url: unrecognized S3 URL %q", raw)
}

// PublicURL formats the virtual-hosted-style URL for an object.
func PublicURL(bucket, region, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, key)
}
