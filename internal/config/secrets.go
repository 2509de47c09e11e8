package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMAPI is the slice of the SSM client used to resolve secrets.
// *ssm.Client satisfies it.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NewSSMClient builds an SSM client from the default AWS credential chain.
func NewSSMClient(ctx context.Context, region string) (*ssm.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ssm.NewFromConfig(awsCfg), nil
}

// ResolveSecrets fills StripeSecretKey from Parameter Store when it is not
// set directly and STRIPE_SECRET_PARAM names a parameter.
func (c *Config) ResolveSecrets(ctx context.Context, api SSMAPI) error {
	if c.StripeSecretKey != "" || strings.TrimSpace(c.StripeSecretParam) == "" {
		return nil
	}
	if api == nil {
		return errors.New("config: ssm client required to resolve STRIPE_SECRET_PARAM")
	}
	out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &c.StripeSecretParam,
		WithDecryption: boolPtr(true),
	})
	if err != nil {
		return fmt.Errorf("get parameter %s: %w", c.StripeSecretParam, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return fmt.Errorf("parameter %s: missing value", c.StripeSecretParam)
	}
	c.StripeSecretKey = strings.TrimSpace(*out.Parameter.Value)
	return nil
}

// NeedsSSM reports whether ResolveSecrets will call Parameter Store.
func (c *Config) NeedsSSM() bool {
	return c.StripeSecretKey == "" && strings.TrimSpace(c.StripeSecretParam) != ""
}

func boolPtr(b bool) *bool { return &b }
