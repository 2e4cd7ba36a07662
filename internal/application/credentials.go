package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const credentialCheckTimeout = 10 * time.Second

// STSAPI is the caller-identity slice used by the startup credential
// check.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ValidateCredentials fails fast when the task has no usable AWS
// credentials, instead of erroring on the first queue receive minutes
// later.
func ValidateCredentials(ctx context.Context, client STSAPI) error {
	ctx, cancel := context.WithTimeout(ctx, credentialCheckTimeout)
	defer cancel()

	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("validate AWS credentials: %w", err)
	}
	slog.Info("AWS credentials validated",
		"account", aws.ToString(out.Account),
		"arn", aws.ToString(out.Arn))
	return nil
}
