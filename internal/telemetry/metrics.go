// Package telemetry emits pipeline metrics to CloudWatch. All emission is
// best-effort: a metrics failure is logged and never propagated to the
// payment pipeline.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"drawclub/internal/types"
)

// MetricNamespace is the CloudWatch namespace for pipeline metrics.
const MetricNamespace = "DrawClub/Payments"

// Metric and dimension names.
const (
	MetricEventProcessed = "EventProcessed"
	MetricBenefitGrant   = "BenefitGrant"
	MetricGrantLatency   = "GrantLatency"

	DimEventType   = "EventType"
	DimOutcome     = "Outcome"
	DimPackageType = "PackageType"
)

// Recorder records payment-pipeline metrics.
type Recorder interface {
	// RecordEvent counts one disposed inbound event.
	RecordEvent(ctx context.Context, eventType string, outcome types.EventOutcome)

	// RecordGrant counts one successful benefit grant and its latency.
	RecordGrant(ctx context.Context, pkgType types.PackageType, latency time.Duration)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder implements Recorder against CloudWatch.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// Compile-time assertion that CloudWatchRecorder implements Recorder.
var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a Recorder publishing to the pipeline namespace.
func NewCloudWatchRecorder(client CloudWatchClient, logger *slog.Logger) *CloudWatchRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: MetricNamespace,
		logger:    logger,
	}
}

// RecordEvent emits an EventProcessed count with EventType and Outcome dimensions.
func (r *CloudWatchRecorder) RecordEvent(ctx context.Context, eventType string, outcome types.EventOutcome) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricEventProcessed),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimEventType), Value: aws.String(eventType)},
			{Name: aws.String(DimOutcome), Value: aws.String(string(outcome))},
		},
	})
}

// RecordGrant emits a BenefitGrant count and GrantLatency in milliseconds.
func (r *CloudWatchRecorder) RecordGrant(ctx context.Context, pkgType types.PackageType, latency time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(DimPackageType), Value: aws.String(string(pkgType))},
	}
	r.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricBenefitGrant),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricGrantLatency),
			Value:      aws.Float64(float64(latency.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
	)
}

func (r *CloudWatchRecorder) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: data,
	}
	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		r.logger.WarnContext(ctx, "failed to emit pipeline metric", "error", err)
	}
}

// Noop is a Recorder that discards everything. Used in tests and when metrics
// are disabled.
type Noop struct{}

func (Noop) RecordEvent(context.Context, string, types.EventOutcome)       {}
func (Noop) RecordGrant(context.Context, types.PackageType, time.Duration) {}
