package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"vegwatch/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchPublisher implements Publisher.
var _ Publisher = (*CloudWatchPublisher)(nil)

// CloudWatchPublisher pushes maintenance snapshots to CloudWatch.
//
// Metrics emitted, all with the Service dimension:
//   - CacheUsageBytes (Bytes)
//   - CacheUsagePct (Percent)
//   - CacheFileCount (Count)
//   - JobsActive (Count)
type CloudWatchPublisher struct {
	client    CloudWatchClient
	namespace string
	service   string
	logger    *slog.Logger
}

// NewCloudWatchPublisher creates a publisher for namespace. An empty
// namespace selects types.DefaultMetricNamespace.
func NewCloudWatchPublisher(client CloudWatchClient, namespace, service string, logger *slog.Logger) *CloudWatchPublisher {
	if namespace == "" {
		namespace = types.DefaultMetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchPublisher{client: client, namespace: namespace, service: service, logger: logger}
}

// Publish sends every snapshot metric in a single PutMetricData call.
func (p *CloudWatchPublisher) Publish(ctx context.Context, s Snapshot) error {
	dims := []cwtypes.Dimension{{
		Name:  aws.String(types.DimService),
		Value: aws.String(p.service),
	}}
	datum := func(name string, v float64, unit cwtypes.StandardUnit) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(v),
			Unit:       unit,
			Dimensions: dims,
		}
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			datum(types.MetricCacheUsageBytes, float64(s.CacheBytes), cwtypes.StandardUnitBytes),
			datum(types.MetricCacheUsagePct, s.CacheUsagePct, cwtypes.StandardUnitPercent),
			datum(types.MetricCacheFileCount, float64(s.CacheFiles), cwtypes.StandardUnitCount),
			datum(types.MetricJobsActive, float64(s.JobsActive()), cwtypes.StandardUnitCount),
		},
	}

	if _, err := p.client.PutMetricData(ctx, input); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish maintenance metrics",
			"error", err.Error(),
			"namespace", p.namespace,
		)
		return fmt.Errorf("cloudwatch put metric data: %w", err)
	}
	return nil
}
