package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"golang.org/x/sync/singleflight"
)

// SecretRef points at the store password (or any other credential) without
// embedding it in the config file. Exactly one source may be set.
type SecretRef struct {
	// AwsSecretArn names a JSON secret in AWS Secrets Manager; Key selects
	// the field to use.
	AwsSecretArn string `mapstructure:"aws_secret_arn" yaml:"aws_secret_arn,omitempty" json:"aws_secret_arn,omitempty"`
	Key          string `mapstructure:"key" yaml:"key,omitempty" json:"key,omitempty"`

	// File is read whole, trailing newlines trimmed. Docker and Kubernetes
	// mount secrets this way.
	File string `mapstructure:"file" yaml:"file,omitempty" json:"file,omitempty"`

	EnvVar string `mapstructure:"env_var" yaml:"env_var,omitempty" json:"env_var,omitempty"`

	// InsecureValue is the secret itself. Local development only.
	InsecureValue string `mapstructure:"insecure_value" yaml:"insecure_value,omitempty" json:"insecure_value,omitempty"`
}

const secretSources = "aws_secret_arn, file, env_var or insecure_value"

// Source names the configured source for log lines and errors, never
// including the secret value.
func (r SecretRef) Source() string {
	switch {
	case r.AwsSecretArn != "":
		return "aws:" + r.AwsSecretArn + "#" + r.Key
	case r.File != "":
		return "file:" + r.File
	case r.EnvVar != "":
		return "env:" + r.EnvVar
	case r.InsecureValue != "":
		return "inline"
	default:
		return "none"
	}
}

// Validate checks the shape of the reference only.
func (r SecretRef) Validate() error {
	var set int
	for _, v := range []string{r.AwsSecretArn, r.File, r.EnvVar, r.InsecureValue} {
		if v != "" {
			set++
		}
	}
	switch {
	case set == 0:
		return errors.New("secret ref must set one of " + secretSources)
	case set > 1:
		return errors.New("secret ref must set only one of " + secretSources)
	case r.AwsSecretArn != "" && r.Key == "":
		return errors.New("aws_secret_arn requires key to be set")
	}
	return nil
}

// SecretsManagerClient is the slice of the Secrets Manager API we call.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretCache resolves SecretRefs. Secrets Manager documents are fetched
// once per ARN; concurrent misses share a single request. A nil cache
// resolves every source except aws_secret_arn.
type SecretCache struct {
	client SecretsManagerClient
	group  singleflight.Group

	mu   sync.RWMutex
	docs map[string]map[string]any
}

func NewSecretCache(client SecretsManagerClient) *SecretCache {
	return &SecretCache{
		client: client,
		docs:   make(map[string]map[string]any),
	}
}

// NewSecretCacheFor returns a cache able to resolve every secret in cfg.
// The AWS SDK config is only loaded when a reference needs it; otherwise
// the result is nil, which still resolves local sources.
func NewSecretCacheFor(ctx context.Context, cfg *Config) (*SecretCache, error) {
	for _, ref := range cfg.Secrets() {
		if ref.AwsSecretArn != "" {
			return NewSecretCacheFromEnv(ctx)
		}
	}
	return nil, nil
}

// NewSecretCacheFromEnv builds a Secrets Manager client from the default
// AWS credential chain.
func NewSecretCacheFromEnv(ctx context.Context) (*SecretCache, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSecretCache(secretsmanager.NewFromConfig(awsCfg)), nil
}

// Get resolves ref to its value.
func (sc *SecretCache) Get(ctx context.Context, ref SecretRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	switch {
	case ref.InsecureValue != "":
		return ref.InsecureValue, nil

	case ref.EnvVar != "":
		val, ok := os.LookupEnv(ref.EnvVar)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", ref.EnvVar)
		}
		return val, nil

	case ref.File != "":
		data, err := os.ReadFile(ref.File)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	if sc == nil || sc.client == nil {
		return "", fmt.Errorf("secret %s: no secrets manager client configured", ref.AwsSecretArn)
	}
	doc, err := sc.document(ctx, ref.AwsSecretArn)
	if err != nil {
		return "", err
	}
	return stringField(doc, ref.Key)
}

func (sc *SecretCache) document(ctx context.Context, arn string) (map[string]any, error) {
	sc.mu.RLock()
	doc, ok := sc.docs[arn]
	sc.mu.RUnlock()
	if ok {
		return doc, nil
	}

	v, err, _ := sc.group.Do(arn, func() (any, error) {
		doc, err := sc.fetch(ctx, arn)
		if err != nil {
			return nil, err
		}
		sc.mu.Lock()
		sc.docs[arn] = doc
		sc.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func (sc *SecretCache) fetch(ctx context.Context, arn string) (map[string]any, error) {
	out, err := sc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &arn})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", arn, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", arn)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &doc); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON object: %w", arn, err)
	}
	return doc, nil
}

func stringField(doc map[string]any, key string) (string, error) {
	switch v := doc[key].(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("key %q not found in secret", key)
	default:
		return "", fmt.Errorf("value at key %q is not a string (got %T)", key, v)
	}
}
