package application

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// caBundleEnvVars are the conventional pointers to a private CA bundle.
// AWS_CA_BUNDLE aborts SDK client construction when unreadable and
// SSL_CERT_FILE empties Go's root pool, so a stale pointer inherited
// from the task definition would fail every TLS handshake.
var caBundleEnvVars = []string{
	"AWS_CA_BUNDLE",
	"REQUESTS_CA_BUNDLE",
	"SSL_CERT_FILE",
	"CURL_CA_BUNDLE",
}

// LoadAWSConfig loads the default AWS configuration with adaptive
// retries, after dropping CA-bundle pointers at nonexistent files.
func LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	sanitizeCABundleEnv()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRetryMode(aws.RetryModeAdaptive),
		awsconfig.WithRetryMaxAttempts(5),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

func sanitizeCABundleEnv() {
	for _, key := range caBundleEnvVars {
		path := os.Getenv(key)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			slog.Warn("ignoring CA bundle pointer to missing file", "var", key, "path", path)
			os.Unsetenv(key)
			continue
		}
		if key == "AWS_CA_BUNDLE" {
			slog.Info("using custom CA bundle", "path", path)
		}
	}
}
