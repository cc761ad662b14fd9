package mainconfig

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/dialgrid/dialgrid/internal/config"
	"github.com/dialgrid/dialgrid/internal/queue"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// LoadAWSConfig centralizes AWS SDK initialization so both binaries share the
// same LocalStack/production wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				if service == sqs.ServiceID {
					return aws.Endpoint{
						URL:           endpoint,
						PartitionID:   "aws",
						SigningRegion: cfg.AWSRegion,
					}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			},
		)
	}

	return awsCfg, nil
}

// BuildQueue returns the campaign command queue: SQS when a queue URL is
// configured, otherwise an in-memory queue for single-node runs. With the
// memory queue, start commands do not cross processes; the campaign worker's
// claimable scan still picks up campaigns created through the API.
func BuildQueue(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (queue.Queue, error) {
	if cfg.UseMemoryQueue || strings.TrimSpace(cfg.CampaignQueueURL) == "" {
		return queue.NewMemoryQueue(0), nil
	}
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.CampaignQueueURL, logger), nil
}
