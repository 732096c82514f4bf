package awslambda

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// EventType identifies the shape of the payload that triggered an invocation.
type EventType string

const (
	EventTypeUnknown          EventType = ""
	EventTypeAPIGatewayREST   EventType = "aws.apigateway.rest"
	EventTypeHTTPAPIV1        EventType = "aws.apigatewayv2.http.v1"
	EventTypeHTTPAPIV2        EventType = "aws.apigatewayv2.http.v2"
	EventTypeFunctionURL      EventType = "aws.lambda.url"
	EventTypeALB              EventType = "aws.elasticloadbalancing.http"
	EventTypeSQS              EventType = "aws.sqs"
	EventTypeSNS              EventType = "aws.sns"
	EventTypeDynamoDBStream   EventType = "aws.dynamodb"
	EventTypeKinesisStream    EventType = "aws.kinesis"
	EventTypeS3               EventType = "aws.s3"
	EventTypeEventBridge      EventType = "aws.eventbridge"
)

const (
	TagEventSource = "aws.lambda.event_source"
	TagEventType   = "aws.lambda.event_type"
)

var apiEventTypes = map[EventType]struct{}{
	EventTypeAPIGatewayREST: {},
	EventTypeHTTPAPIV1:      {},
	EventTypeHTTPAPIV2:      {},
	EventTypeFunctionURL:    {},
	EventTypeALB:            {},
}

// IsAPIEvent reports whether t is a synchronous request/response trigger.
func IsAPIEvent(t EventType) bool {
	_, ok := apiEventTypes[t]
	return ok
}

// Source returns the event source tag value, e.g. aws.apigateway for both REST and HTTP APIs.
func (t EventType) Source() string {
	switch t {
	case EventTypeAPIGatewayREST, EventTypeHTTPAPIV1, EventTypeHTTPAPIV2:
		return "aws.apigateway"
	case EventTypeFunctionURL:
		return "aws.lambda"
	case EventTypeALB:
		return "aws.elasticloadbalancing"
	}
	return string(t)
}

type eventProbe struct {
	Version        string `json:"version"`
	HTTPMethod     string `json:"httpMethod"`
	Resource       string `json:"resource"`
	RequestContext *struct {
		ELB        json.RawMessage `json:"elb"`
		HTTP       json.RawMessage `json:"http"`
		DomainName string          `json:"domainName"`
		APIID      string          `json:"apiId"`
	} `json:"requestContext"`
	Records []struct {
		LowerSource string `json:"eventSource"`
		UpperSource string `json:"EventSource"`
	} `json:"Records"`
	DetailType *string `json:"detail-type"`
	Source     string  `json:"source"`
}

// ClassifyEvent inspects payload and returns its event type, or EventTypeUnknown.
func ClassifyEvent(payload []byte) EventType {
	var p eventProbe
	if err := json.Unmarshal(payload, &p); err != nil {
		return EventTypeUnknown
	}
	if rc := p.RequestContext; rc != nil {
		switch {
		case len(rc.ELB) > 0:
			return EventTypeALB
		case p.Version == "2.0" && strings.Contains(rc.DomainName, ".lambda-url."):
			return EventTypeFunctionURL
		case p.Version == "2.0" && len(rc.HTTP) > 0:
			return EventTypeHTTPAPIV2
		case p.Version == "1.0" && p.HTTPMethod != "":
			return EventTypeHTTPAPIV1
		case p.HTTPMethod != "" && p.Resource != "":
			return EventTypeAPIGatewayREST
		}
	}
	if len(p.Records) > 0 {
		source := p.Records[0].LowerSource
		if source == "" {
			source = p.Records[0].UpperSource
		}
		switch source {
		case "aws:sqs":
			return EventTypeSQS
		case "aws:sns":
			return EventTypeSNS
		case "aws:dynamodb":
			return EventTypeDynamoDBStream
		case "aws:kinesis":
			return EventTypeKinesisStream
		case "aws:s3":
			return EventTypeS3
		}
	}
	if p.DetailType != nil && p.Source != "" {
		return EventTypeEventBridge
	}
	return EventTypeUnknown
}

// TagSetter receives derived tags; *span.Tags satisfies it.
type TagSetter interface {
	Set(key string, value any) error
}

// ResolveEventTags classifies payload and writes the tags describing it onto setter.
func ResolveEventTags(setter TagSetter, payload []byte) (EventType, error) {
	t := ClassifyEvent(payload)
	if t == EventTypeUnknown {
		return t, nil
	}
	tags := []tag{{TagEventSource, t.Source()}, {TagEventType, string(t)}}
	more, err := eventTags(t, payload)
	if err != nil {
		return t, fmt.Errorf("decode %s event: %w", t, err)
	}
	tags = append(tags, more...)
	return t, setAll(setter, tags)
}

type tag struct {
	key   string
	value any
}

func setAll(setter TagSetter, tags []tag) error {
	var errs []error
	for _, t := range tags {
		if err := setter.Set(t.key, t.value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func eventTags(t EventType, payload []byte) ([]tag, error) {
	switch t {
	case EventTypeAPIGatewayREST, EventTypeHTTPAPIV1:
		var ev events.APIGatewayProxyRequest
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return httpTags(ev.HTTPMethod, ev.Path, ev.Resource, ev.RequestContext.RequestID, ev.RequestContext.AccountID), nil
	case EventTypeHTTPAPIV2:
		var ev events.APIGatewayV2HTTPRequest
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		route := ev.RouteKey
		if _, path, ok := strings.Cut(route, " "); ok {
			route = path
		}
		return httpTags(ev.RequestContext.HTTP.Method, ev.RawPath, route, ev.RequestContext.RequestID, ev.RequestContext.AccountID), nil
	case EventTypeFunctionURL:
		var ev events.LambdaFunctionURLRequest
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return httpTags(ev.RequestContext.HTTP.Method, ev.RawPath, "", ev.RequestContext.RequestID, ev.RequestContext.AccountID), nil
	case EventTypeALB:
		var ev events.ALBTargetGroupRequest
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return httpTags(ev.HTTPMethod, ev.Path, "", "", ""), nil
	case EventTypeSQS:
		var ev events.SQSEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return sqsTags(ev), nil
	case EventTypeSNS:
		var ev events.SNSEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(ev.Records))
		var topic string
		for _, r := range ev.Records {
			ids = append(ids, r.SNS.MessageID)
			topic = resourceName(r.SNS.TopicArn)
		}
		return []tag{{"aws.lambda.sns.topic_name", topic}, {"aws.lambda.sns.message_ids", ids}}, nil
	case EventTypeDynamoDBStream:
		var ev events.DynamoDBEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		var table string
		if len(ev.Records) > 0 {
			table = arnResource(ev.Records[0].EventSourceArn, "table/")
		}
		return []tag{{"aws.lambda.dynamodb.table_name", table}, {"aws.lambda.dynamodb.batch_size", len(ev.Records)}}, nil
	case EventTypeKinesisStream:
		var ev events.KinesisEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		var stream string
		if len(ev.Records) > 0 {
			stream = arnResource(ev.Records[0].EventSourceArn, "stream/")
		}
		return []tag{{"aws.lambda.kinesis.stream_name", stream}, {"aws.lambda.kinesis.batch_size", len(ev.Records)}}, nil
	case EventTypeS3:
		var ev events.S3Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		buckets := make([]string, 0, len(ev.Records))
		keys := make([]string, 0, len(ev.Records))
		for _, r := range ev.Records {
			buckets = append(buckets, r.S3.Bucket.Name)
			keys = append(keys, r.S3.Object.Key)
		}
		return []tag{{"aws.lambda.s3.bucket_names", buckets}, {"aws.lambda.s3.object_keys", keys}}, nil
	case EventTypeEventBridge:
		var ev events.CloudWatchEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return []tag{{"aws.lambda.eventbridge.source", ev.Source}, {"aws.lambda.eventbridge.detail_type", ev.DetailType}}, nil
	}
	return nil, nil
}

func httpTags(method, path, route, requestID, accountID string) []tag {
	tags := []tag{{"aws.lambda.http.method", method}, {"aws.lambda.http.path", path}}
	if route != "" {
		tags = append(tags, tag{"aws.lambda.http_router.path", route})
	}
	if requestID != "" {
		tags = append(tags, tag{"aws.lambda.api_gateway.request.id", requestID})
	}
	if accountID != "" {
		tags = append(tags, tag{"aws.lambda.api_gateway.account_id", accountID})
	}
	return tags
}

// resourceName returns the resource part of an ARN.
func resourceName(arn string) string {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) < 6 {
		return arn
	}
	return parts[5]
}

// arnResource returns the resource id following kind in arn, e.g. the table name of a DynamoDB stream ARN.
func arnResource(arn, kind string) string {
	name := strings.TrimPrefix(resourceName(arn), kind)
	name, _, _ = strings.Cut(name, "/")
	return name
}
