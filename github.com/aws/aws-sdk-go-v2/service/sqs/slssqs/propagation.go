package slssqs

import (
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel/propagation"
)

// AttributeTraceHeader is the message system attribute SQS reserves for the X-Ray trace header.
const AttributeTraceHeader = "AWSTraceHeader"

var headerTraceID = http.CanonicalHeaderKey("X-Amzn-Trace-Id")

// SystemAttributesCarrier exposes message system attributes to propagators.
//
// The X-Ray propagator reads and writes the X-Amzn-Trace-Id header; the carrier stores it as
// the AWSTraceHeader attribute, which is where Lambda looks for it on delivery.
type SystemAttributesCarrier struct {
	Attributes map[string]types.MessageSystemAttributeValue
}

var _ propagation.TextMapCarrier = (*SystemAttributesCarrier)(nil)

func (c *SystemAttributesCarrier) Get(key string) string {
	val, ok := c.Attributes[attributeName(key)]
	if !ok || val.StringValue == nil {
		return ""
	}
	return *val.StringValue
}

func (c *SystemAttributesCarrier) Set(key, value string) {
	if c.Attributes == nil {
		c.Attributes = map[string]types.MessageSystemAttributeValue{}
	}
	c.Attributes[attributeName(key)] = types.MessageSystemAttributeValue{DataType: ref("String"), StringValue: ref(value)}
}

func (c *SystemAttributesCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Attributes))
	for k := range c.Attributes {
		if k == AttributeTraceHeader {
			k = headerTraceID
		}
		keys = append(keys, k)
	}
	return keys
}

func attributeName(key string) string {
	if http.CanonicalHeaderKey(key) == headerTraceID {
		return AttributeTraceHeader
	}
	return key
}

func ref[T any](v T) *T { return &v }
