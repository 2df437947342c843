// Package secrets loads signing keys and API tokens from the environment or
// from AWS Secrets Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

// Provider returns secret values by key.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

// NewEnv returns an EnvProvider.
func NewEnv() *EnvProvider { return &EnvProvider{} }

// Get returns the value of the environment variable key.
func (*EnvProvider) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads secrets from AWS Secrets Manager.
type AWSProvider struct {
	client smClient
}

// NewAWS builds a provider from the default AWS config chain.
func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

// NewAWSWithClient builds a provider on an existing client.
func NewAWSWithClient(client smClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

// Get returns the string value of secret id.
func (p *AWSProvider) Get(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: secret %q", ErrNotFound, id)
		}
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
}
