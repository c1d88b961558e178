package config

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmMaxBatchSize is the AWS limit on names per GetParameters call.
const ssmMaxBatchSize = 10

// ssmClient is the subset of the SSM SDK client used by SSMProvider.
type ssmClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider resolves secrets (Stripe keys, cron secret, database URL) from
// SecureString parameters in AWS Systems Manager Parameter Store.
type SSMProvider struct {
	region   string
	endpoint string
	client   ssmClient
}

// NewSSMProvider creates a provider for the given region. endpoint overrides
// the service endpoint (LocalStack) and may be empty.
func NewSSMProvider(region, endpoint string) *SSMProvider {
	return &SSMProvider{
		region:   region,
		endpoint: endpoint,
	}
}

func newSSMProviderWithClient(region string, client ssmClient) *SSMProvider {
	return &SSMProvider{
		region: region,
		client: client,
	}
}

func (p *SSMProvider) ensureClient(ctx context.Context) error {
	if p.client != nil {
		return nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return fmt.Errorf("loading AWS config for SSM (region=%s): %w", p.region, err)
	}

	p.client = ssm.NewFromConfig(cfg, func(o *ssm.Options) {
		if p.endpoint != "" {
			o.BaseEndpoint = aws.String(p.endpoint)
		}
	})
	return nil
}

// GetParametersBatch fetches the given parameter paths with decryption, in
// batches of ssmMaxBatchSize. Paths SSM reports as invalid are collected and
// returned as a single error once every batch has been attempted.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return make(map[string]string), nil
	}

	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	result := make(map[string]string, len(keys))
	var invalid []string

	for start := 0; start < len(keys); start += ssmMaxBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during SSM parameter retrieval: %w", err)
		}

		end := min(start+ssmMaxBatchSize, len(keys))
		output, err := p.client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          keys[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("SSM GetParameters failed (batch %d-%d of %d): %w",
				start, end-1, len(keys), err)
		}

		for _, param := range output.Parameters {
			if param.Name != nil && param.Value != nil {
				result[*param.Name] = *param.Value
			}
		}
		invalid = append(invalid, output.InvalidParameters...)
	}

	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, fmt.Errorf("SSM parameters not found: %v", invalid)
	}

	return result, nil
}
