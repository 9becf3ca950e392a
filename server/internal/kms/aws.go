package kms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
)

var _ Client = (*AWSClient)(nil)

// AWSClient talks to AWS KMS. No encryption context or grant tokens are sent.
type AWSClient struct {
	api kmsiface.KMSAPI
}

type AWSOptions struct {
	Region      string
	Endpoint    string
	Credentials *credentials.Credentials
}

func NewAWSClient(opts AWSOptions) (*AWSClient, error) {
	if opts.Credentials == nil {
		return nil, fmt.Errorf("aws credentials are required")
	}
	cfg := &aws.Config{
		Region:      aws.String(opts.Region),
		Credentials: opts.Credentials,
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return NewAWSClientFromAPI(kms.New(sess)), nil
}

func NewAWSClientFromAPI(api kmsiface.KMSAPI) *AWSClient {
	return &AWSClient{api: api}
}

func (c *AWSClient) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	out, err := c.api.EncryptWithContext(ctx, &kms.EncryptInput{
		KeyId:     aws.String(keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt with key %q: %w", ErrRemoteService, keyID, err)
	}
	if len(out.CiphertextBlob) == 0 {
		return nil, fmt.Errorf("%w: encrypt with key %q returned no ciphertext", ErrRemoteService, keyID)
	}
	return out.CiphertextBlob, nil
}

func (c *AWSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, string, error) {
	out, err := c.api.DecryptWithContext(ctx, &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: decrypt: %w", ErrRemoteService, err)
	}
	if out.Plaintext == nil {
		return nil, "", fmt.Errorf("%w: decrypt returned no plaintext", ErrRemoteService)
	}
	return out.Plaintext, aws.StringValue(out.KeyId), nil
}
