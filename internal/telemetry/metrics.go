// Package telemetry emits operational metrics to CloudWatch. Emission is
// best-effort: a metric publish failure is logged and swallowed, it never
// affects webhook processing.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// WebhookResult labels the outcome dimension of a processed webhook.
type WebhookResult string

const (
	ResultActivated  WebhookResult = "activated"
	ResultDuplicate  WebhookResult = "duplicate"
	ResultIgnored    WebhookResult = "ignored"
	ResultRejected   WebhookResult = "rejected"
	ResultReconciled WebhookResult = "reconciled"
	ResultError      WebhookResult = "error"
)

// Collector records webhook and activation metrics.
type Collector interface {
	RecordWebhook(ctx context.Context, provider string, result WebhookResult, duration time.Duration)
	RecordActivation(ctx context.Context, source string)
	RecordExpirySweep(ctx context.Context, expired int64)
}

// CloudWatchCollector implements Collector against CloudWatch.
//
// Metrics emitted:
//   - WebhookProcessed: Dims {Provider, Result} -- on every dispatcher outcome
//   - WebhookLatency:   Dims {Provider} -- dispatcher wall time in ms
//   - SubscriptionActivated: Dims {Source} -- webhook/poll/reconcile/admin
//   - SubscriptionsExpired: No dims -- rows flipped per sweep
type CloudWatchCollector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Collector = (*CloudWatchCollector)(nil)

// NewCloudWatchCollector creates a collector publishing to the given namespace.
func NewCloudWatchCollector(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchCollector{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordWebhook emits the processed count and latency for one webhook.
func (m *CloudWatchCollector) RecordWebhook(ctx context.Context, provider string, result WebhookResult, duration time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("WebhookProcessed"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("Provider"), Value: aws.String(provider)},
					{Name: aws.String("Result"), Value: aws.String(string(result))},
				},
			},
			{
				MetricName: aws.String("WebhookLatency"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("Provider"), Value: aws.String(provider)},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record webhook metric",
			slog.String("error", err.Error()),
			slog.String("provider", provider),
			slog.String("result", string(result)),
		)
	}
}

// RecordActivation emits one activation count with its source dimension.
func (m *CloudWatchCollector) RecordActivation(ctx context.Context, source string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("SubscriptionActivated"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("Source"), Value: aws.String(source)},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record activation metric",
			slog.String("error", err.Error()),
			slog.String("source", source),
		)
	}
}

// RecordExpirySweep emits the number of subscriptions expired in one sweep.
func (m *CloudWatchCollector) RecordExpirySweep(ctx context.Context, expired int64) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("SubscriptionsExpired"),
				Value:      aws.Float64(float64(expired)),
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record expiry sweep metric",
			slog.String("error", err.Error()),
			slog.Int64("expired", expired),
		)
	}
}

// NoopCollector discards all metrics. Used when metrics are disabled.
type NoopCollector struct{}

var _ Collector = NoopCollector{}

func (NoopCollector) RecordWebhook(context.Context, string, WebhookResult, time.Duration) {}
func (NoopCollector) RecordActivation(context.Context, string)                            {}
func (NoopCollector) RecordExpirySweep(context.Context, int64)                            {}
