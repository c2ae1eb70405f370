package config

import (
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/sirupsen/logrus"
)

// Parameter names read from the SSM path, relative to it.
const (
	ParamSMSAPIKey    = "sms_api_key"
	ParamSMSAPISecret = "sms_api_secret"
	ParamJWTSecret    = "jwt_secret"
	ParamDBPassword   = "db_password"
)

// SSMClient is the subset of the SSM API used for the secret overlay.
type SSMClient interface {
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// NewSSMClient builds a Parameter Store client from the default AWS credential chain.
func NewSSMClient(ctx context.Context, c SSMConfig) (*ssm.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	if c.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(c.Endpoint)
	}
	return ssm.NewFromConfig(awsCfg), nil
}

// ApplySSM overlays secrets stored under cfg.SSM.Path onto cfg and
// revalidates it. It is a no-op when no path is configured.
func ApplySSM(ctx context.Context, client SSMClient, cfg *Config, logger *logrus.Logger) error {
	if cfg.SSM.Path == "" {
		return nil
	}
	params, err := fetchParameters(ctx, client, cfg.SSM.Path)
	if err != nil {
		return fmt.Errorf("ssm parameters %s: %w", cfg.SSM.Path, err)
	}

	targets := map[string]*string{
		ParamSMSAPIKey:    &cfg.Notification.APIKey,
		ParamSMSAPISecret: &cfg.Notification.APISecret,
		ParamJWTSecret:    &cfg.Auth.JWTSecret,
		ParamDBPassword:   &cfg.Database.Password,
	}
	applied := 0
	for name, dst := range targets {
		if v, ok := params[name]; ok && v != "" {
			*dst = v
			applied++
		}
	}
	logger.WithFields(logrus.Fields{
		"path":      cfg.SSM.Path,
		"applied":   applied,
		"operation": "ApplySSM",
	}).Info("Loaded secrets from parameter store")

	return Validate(cfg)
}

// fetchParameters pages through the path and keys values by their last path segment.
func fetchParameters(ctx context.Context, client SSMClient, root string) (map[string]string, error) {
	params := map[string]string{}
	input := &ssm.GetParametersByPathInput{
		Path:           aws.String(root),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	}
	for {
		output, err := client.GetParametersByPath(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, p := range output.Parameters {
			params[path.Base(aws.ToString(p.Name))] = aws.ToString(p.Value)
		}
		if output.NextToken == nil {
			break
		}
		input.NextToken = output.NextToken
	}
	return params, nil
}
