package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	GetTopicAttributes(ctx context.Context, params *sns.GetTopicAttributesInput, optFns ...func(*sns.Options)) (*sns.GetTopicAttributesOutput, error)
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQS publishes through an SNS topic (or straight to the queue when no topic
// is configured) and long-polls an SQS queue. Deleting a message acks it;
// extending its visibility timeout is the nack.
type SQS struct {
	cfg    Config
	logger *zap.Logger
	sns    snsAPI
	sqs    sqsAPI
}

func NewSQS(awsCfg aws.Config, cfg Config, logger *zap.Logger) *SQS {
	return newSQSWithClients(sns.NewFromConfig(awsCfg), sqs.NewFromConfig(awsCfg), cfg, logger)
}

func newSQSWithClients(snsClient snsAPI, sqsClient sqsAPI, cfg Config, logger *zap.Logger) *SQS {
	return &SQS{cfg: cfg, logger: logger, sns: snsClient, sqs: sqsClient}
}

func (s *SQS) Publish(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	if s.cfg.SNSTopicARN != "" {
		attrs := make(map[string]snstypes.MessageAttributeValue, len(msg.Headers))
		for k, v := range msg.Headers {
			attrs[k] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
		}
		if _, err := s.sns.Publish(ctx, &sns.PublishInput{
			TopicArn:          aws.String(s.cfg.SNSTopicARN),
			Message:           aws.String(string(msg.Body)),
			MessageAttributes: attrs,
		}); err != nil {
			return unavailable("sns publish", err)
		}
		return nil
	}

	if s.cfg.SQSQueueURL == "" {
		return unavailable("sqs publish", errors.New("neither SNS topic nor SQS queue configured"))
	}
	if err := s.send(ctx, s.cfg.SQSQueueURL, msg.Body, msg.Headers); err != nil {
		return unavailable("sqs publish", err)
	}
	return nil
}

func (s *SQS) send(ctx context.Context, queueURL string, body []byte, headers map[string]string) error {
	attrs := make(map[string]sqstypes.MessageAttributeValue, len(headers))
	for k, v := range headers {
		attrs[k] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	_, err := s.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	return err
}

// snsEnvelope is the JSON wrapper SNS puts around messages fanned out to SQS
// when raw message delivery is off.
type snsEnvelope struct {
	Type              string `json:"Type"`
	Message           string `json:"Message"`
	MessageAttributes map[string]struct {
		Type  string `json:"Type"`
		Value string `json:"Value"`
	} `json:"MessageAttributes"`
}

func fromSQSMessage(m sqstypes.Message) Message {
	headers := make(map[string]string, len(m.MessageAttributes))
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			headers[k] = *v.StringValue
		}
	}
	body := aws.ToString(m.Body)

	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Type == "Notification" && env.Message != "" {
		body = env.Message
		for k, v := range env.MessageAttributes {
			headers[k] = v.Value
		}
	}

	attempt := 1
	if n, err := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
		attempt = n
	}
	return Message{
		ID:      headers[HeaderMessageID],
		Kind:    headers[HeaderKind],
		Key:     aws.ToString(m.MessageId),
		Body:    []byte(body),
		Headers: headers,
		Attempt: attempt,
	}
}

func (s *SQS) Subscribe(ctx context.Context, kind string, handler Handler) error {
	if s.cfg.SQSQueueURL == "" {
		return errors.New("sqs subscribe: EVENTBUS_SQS_QUEUE_URL is not set")
	}
	s.logger.Info("sqs consumer started", zap.String("queue_url", s.cfg.SQSQueueURL), zap.String("kind", kind))

	for {
		if ctx.Err() != nil {
			s.logger.Info("sqs consumer stopped", zap.String("queue_url", s.cfg.SQSQueueURL))
			return nil
		}
		if err := s.pollOnce(ctx, kind, handler); err != nil && ctx.Err() == nil {
			s.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-time.After(s.cfg.RetryBackoff):
			case <-ctx.Done():
			}
		}
	}
}

func (s *SQS) pollOnce(ctx context.Context, kind string, handler Handler) error {
	out, err := s.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(s.cfg.SQSQueueURL),
		MaxNumberOfMessages:         10,
		WaitTimeSeconds:             s.cfg.SQSWaitSeconds,
		VisibilityTimeout:           s.cfg.SQSVisibilityLimit,
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return fmt.Errorf("receive messages: %w", err)
	}

	sem := make(chan struct{}, s.cfg.workers())
	var wg sync.WaitGroup
	for _, m := range out.Messages {
		if m.Body == nil {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(m sqstypes.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			s.handle(ctx, m, kind, handler)
		}(m)
	}
	wg.Wait()
	return nil
}

func (s *SQS) handle(ctx context.Context, m sqstypes.Message, kind string, handler Handler) {
	msg := fromSQSMessage(m)
	if msg.Kind != "" && msg.Kind != kind {
		s.delete(ctx, m)
		return
	}

	err := handler(ExtractTrace(ctx, msg.Headers), msg)
	switch Settle(err) {
	case Ack:
		s.delete(ctx, m)
	case Reject:
		s.logger.Error("rejecting sqs message", zap.String("message_id", msg.ID), zap.Error(err))
		if s.cfg.SQSDeadLetterURL == "" {
			// The queue's redrive policy moves it once maxReceiveCount is hit.
			s.extendVisibility(ctx, m, s.cfg.MaxBackoff)
			return
		}
		if dlqErr := s.send(ctx, s.cfg.SQSDeadLetterURL, msg.Body, msg.Headers); dlqErr != nil {
			s.logger.Error("sqs dead-letter send failed", zap.String("message_id", msg.ID), zap.Error(dlqErr))
			return
		}
		s.delete(ctx, m)
	default:
		delay := Backoff(msg.Attempt, s.cfg.RetryBackoff, s.cfg.MaxBackoff)
		s.logger.Warn("sqs delivery failed, delaying redelivery", zap.String("message_id", msg.ID), zap.Int("attempt", msg.Attempt), zap.Duration("delay", delay), zap.Error(err))
		s.extendVisibility(ctx, m, delay)
	}
}

func (s *SQS) delete(ctx context.Context, m sqstypes.Message) {
	if _, err := s.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.cfg.SQSQueueURL),
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		s.logger.Error("failed to delete sqs message", zap.String("sqs_message_id", aws.ToString(m.MessageId)), zap.Error(err))
	}
}

func (s *SQS) extendVisibility(ctx context.Context, m sqstypes.Message, d time.Duration) {
	seconds := int32(d / time.Second)
	if _, err := s.sqs.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.cfg.SQSQueueURL),
		ReceiptHandle:     m.ReceiptHandle,
		VisibilityTimeout: seconds,
	}); err != nil {
		s.logger.Error("failed to change sqs visibility", zap.String("sqs_message_id", aws.ToString(m.MessageId)), zap.Error(err))
	}
}

func (s *SQS) Healthy(ctx context.Context) error {
	if s.cfg.SNSTopicARN != "" {
		if _, err := s.sns.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{TopicArn: aws.String(s.cfg.SNSTopicARN)}); err != nil {
			return fmt.Errorf("sns topic: %w", err)
		}
	}
	if s.cfg.SQSQueueURL != "" {
		if _, err := s.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(s.cfg.SQSQueueURL),
			AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
		}); err != nil {
			return fmt.Errorf("sqs queue: %w", err)
		}
	}
	return nil
}

func (s *SQS) Close() error { return nil }
