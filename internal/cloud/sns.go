// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNS caps subjects at 100 characters.
const maxSubjectLength = 100

type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client PublishAPI
	topic  string
}

func NewSNSNotifier(client PublishAPI, topicARN string) *SNSNotifier {
	return &SNSNotifier{client: client, topic: topicARN}
}

func (n *SNSNotifier) Publish(ctx context.Context, subject, message string) error {
	if n.topic == "" {
		return errors.New("sns topic is not configured")
	}
	subject = truncateRunes(subject, maxSubjectLength)

	_, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topic),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
