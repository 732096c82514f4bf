// Package awslambda derives trace tags from AWS Lambda invocations: the execution environment, the triggering event and the handler's response.
//
// Event shapes are the ones of [github.com/aws/aws-lambda-go/events].
package awslambda
