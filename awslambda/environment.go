package awslambda

import (
	"context"
	"os"
	"runtime"

	"github.com/aereal/lambda-instrumentation/span"
	"github.com/aws/aws-lambda-go/lambdacontext"
)

const (
	TagRequestID   = "aws.lambda.request_id"
	TagXrayTraceID = "aws.lambda.xray_trace_id"
)

// Arch returns the function architecture as AWS names it.
func Arch() string {
	if runtime.GOARCH == "amd64" {
		return "x86_64"
	}
	return runtime.GOARCH
}

// EnvironmentTags describes the function and its execution environment.
//
// The values do not change during the life of the process, so they are kept across invocations.
func EnvironmentTags() []span.Tag {
	tags := []span.Tag{
		{Key: "aws.lambda.name", Value: lambdacontext.FunctionName},
		{Key: "aws.lambda.version", Value: lambdacontext.FunctionVersion},
		{Key: "aws.lambda.arch", Value: Arch()},
	}
	if lambdacontext.LogGroupName != "" {
		tags = append(tags, span.Tag{Key: "aws.lambda.log_group", Value: lambdacontext.LogGroupName})
	}
	if lambdacontext.LogStreamName != "" {
		tags = append(tags, span.Tag{Key: "aws.lambda.log_stream_name", Value: lambdacontext.LogStreamName})
	}
	if lambdacontext.MemoryLimitInMB > 0 {
		tags = append(tags, span.Tag{Key: "aws.lambda.max_memory", Value: lambdacontext.MemoryLimitInMB})
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		tags = append(tags, span.Tag{Key: "aws.region", Value: region})
	}
	return tags
}

// InvocationTags describes a single invocation: its request id and the X-Ray trace it belongs to.
func InvocationTags(ctx context.Context) []span.Tag {
	var tags []span.Tag
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		tags = append(tags, span.Tag{Key: TagRequestID, Value: lc.AwsRequestID})
	}
	if sc, ok := TraceContext(ctx); ok {
		tags = append(tags, span.Tag{Key: TagXrayTraceID, Value: sc.TraceID().String()})
	}
	return tags
}

// RequestID returns the AWS request id of the invocation bound to ctx.
func RequestID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		return lc.AwsRequestID
	}
	return ""
}
