package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// metricsPublisher is the subset of the CloudWatch client used here.
type metricsPublisher interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

type cloudWatchState struct {
	client    metricsPublisher
	namespace string
	dashboard string
}

var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch initialises the CloudWatch client using the provided region and
// namespace. If region is empty it falls back to AWS_REGION. When the client
// cannot be created a warning is logged and publishing stays disabled.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := &cloudWatchState{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: "SnowPulse",
		dashboard: "SnowPulse",
	}
	if namespace != "" {
		state.namespace = namespace
	}
	if dashboard != "" {
		state.dashboard = dashboard
	}
	cwState.Store(state)

	log.WithFields(Fields{"region": region, "namespace": state.namespace}).Info("initialized CloudWatch client")

	createDefaultDashboard(ctx, state)
}

// publishMetrics sends the provided metric data to CloudWatch when the client
// has been initialised.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	state := cwState.Load()
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}

	log := GetLogger().WithComponent("cloudwatch")
	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func createDefaultDashboard(ctx context.Context, state *cloudWatchState) {
	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","rows_ingested"],
    ["%[1]s","rows_dropped"],
    ["%[1]s","fetch_errors"],
    ["%[1]s","rate_limit_exceeded"]
],
"period": 60,
"stat": "Sum",
"title": "SnowPulse Ingestion"
}
}]
}`, state.namespace)

	if _, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
