package bedrock

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const (
	// defaultSessionName labels STS sessions opened by the gateway.
	defaultSessionName = "aigw-session"

	// defaultSessionDuration bounds assumed-role credential lifetime.
	defaultSessionDuration = time.Hour
)

// CredentialOptions selects how the AWS configuration resolves credentials.
// A role ARN turns static keys, a profile or the ambient chain into base
// credentials for STS role assumption; a web-identity token file switches
// the assumption to AssumeRoleWithWebIdentity (OIDC/IRSA).
type CredentialOptions struct {
	// Region is the AWS region for all Bedrock-facing clients.
	Region string

	// AccessKeyID and SecretAccessKey are static credentials. SessionToken
	// is optional alongside them.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Profile names a shared-config profile.
	Profile string

	// RoleARN enables role assumption on top of the resolved credentials.
	RoleARN string

	// ExternalID is passed to AssumeRole when set.
	ExternalID string

	// SessionName labels the STS session. Defaults to "aigw-session".
	SessionName string

	// SessionDuration bounds assumed-role credential lifetime. Defaults to
	// one hour.
	SessionDuration time.Duration

	// WebIdentityTokenFile holds an OIDC token; requires RoleARN.
	WebIdentityTokenFile string
}

// LoadAWSConfig resolves an aws.Config for the Bedrock, S3 and knowledge
// base clients following the configured credential mode: web identity when
// a token file is present, role assumption when a role ARN is present,
// otherwise static keys, then a named profile, then the SDK default chain.
func LoadAWSConfig(ctx context.Context, opts CredentialOptions) (aws.Config, error) {
	if opts.WebIdentityTokenFile != "" && opts.RoleARN == "" {
		return aws.Config{}, errors.New("a role ARN is required with a web identity token file")
	}

	base, err := config.LoadDefaultConfig(ctx, opts.baseLoadOptions()...)
	if err != nil {
		return aws.Config{}, err
	}
	if opts.RoleARN == "" {
		return base, nil
	}

	stsClient := sts.NewFromConfig(base)
	name := opts.SessionName
	if name == "" {
		name = defaultSessionName
	}
	duration := opts.SessionDuration
	if duration <= 0 {
		duration = defaultSessionDuration
	}

	var provider aws.CredentialsProvider
	if opts.WebIdentityTokenFile != "" {
		provider = stscreds.NewWebIdentityRoleProvider(stsClient, opts.RoleARN,
			stscreds.IdentityTokenFile(opts.WebIdentityTokenFile),
			func(o *stscreds.WebIdentityRoleOptions) {
				o.RoleSessionName = name
				o.Duration = duration
			})
	} else {
		provider = stscreds.NewAssumeRoleProvider(stsClient, opts.RoleARN,
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = name
				o.Duration = duration
				if opts.ExternalID != "" {
					o.ExternalID = aws.String(opts.ExternalID)
				}
			})
	}
	base.Credentials = aws.NewCredentialsCache(provider)
	return base, nil
}

// baseLoadOptions translates the non-role settings into SDK load options.
// Static keys beat a named profile so explicit secrets always win.
func (opts CredentialOptions) baseLoadOptions() []func(*config.LoadOptions) error {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	switch {
	case opts.AccessKeyID != "" && opts.SecretAccessKey != "":
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)))
	case opts.Profile != "":
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	return loadOpts
}
