package kms

import (
	"github.com/aws/aws-sdk-go/aws/credentials"
)

// CredentialsOptions selects where AWS credentials come from. Static keys win
// when set. Otherwise the environment is consulted first and then the shared
// credentials file.
type CredentialsOptions struct {
	AccessKeyID     string
	SecretAccessKey string
	Path            string
	Profile         string
}

func NewCredentials(opts CredentialsOptions) *credentials.Credentials {
	if opts.AccessKeyID != "" {
		return credentials.NewStaticCredentials(opts.AccessKeyID, opts.SecretAccessKey, "")
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvProvider{},
		&credentials.SharedCredentialsProvider{
			Filename: opts.Path,
			Profile:  opts.Profile,
		},
	})
}
