package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client SQSQueue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSOptions configures an SQSQueue.
type SQSOptions struct {
	VisibilityTimeout time.Duration
	// WaitTime is the long-poll duration, capped at 20s by SQS.
	WaitTime time.Duration
}

// SQSQueue is a Queue on an SQS FIFO queue. Deduplication, group ordering
// and redrive to the dead-letter queue are provided by SQS itself; the
// queue's redrive policy carries max_receive_count.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
	opts     SQSOptions
	logger   *slog.Logger
}

// NewSQSQueue wraps the FIFO queue at queueURL.
func NewSQSQueue(client SQSAPI, queueURL string, opts SQSOptions, logger *slog.Logger) *SQSQueue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		opts:     opts,
		logger:   logger,
	}
}

func (q *SQSQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.DedupKey == "" || msg.GroupKey == "" {
		return ErrMissingKeys
	}

	attrs := make(map[string]types.MessageAttributeValue, len(msg.Attributes))
	for k, v := range msg.Attributes {
		if v == "" {
			// SQS rejects empty string attribute values.
			continue
		}
		attrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.queueURL),
		MessageBody:            aws.String(string(msg.Body)),
		MessageGroupId:         aws.String(msg.GroupKey),
		MessageDeduplicationId: aws.String(msg.DedupKey),
		MessageAttributes:      attrs,
	})
	if err != nil {
		return fmt.Errorf("sending to sqs: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(clampBatch(max)),
		VisibilityTimeout:     int32(q.opts.VisibilityTimeout / time.Second),
		WaitTimeSeconds:       int32(q.opts.WaitTime / time.Second),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
			types.MessageSystemAttributeNameMessageGroupId,
			types.MessageSystemAttributeNameMessageDeduplicationId,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receiving from sqs: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		attrs := make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			if v.StringValue != nil {
				attrs[k] = *v.StringValue
			}
		}
		receives, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])

		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          []byte(aws.ToString(m.Body)),
			GroupKey:      m.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)],
			DedupKey:      m.Attributes[string(types.MessageSystemAttributeNameMessageDeduplicationId)],
			Attributes:    attrs,
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  receives,
			EnqueuedAt:    parseMillis(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]),
		})
	}
	return msgs, nil
}

func (q *SQSQueue) Acknowledge(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		var invalid *types.ReceiptHandleIsInvalid
		if errors.As(err, &invalid) {
			return ErrStaleReceipt
		}
		return fmt.Errorf("deleting sqs message %s: %w", msg.ID, err)
	}
	return nil
}

func (q *SQSQueue) Depth(ctx context.Context) (int64, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("reading sqs queue attributes: %w", err)
	}

	var total int64
	for _, name := range []types.QueueAttributeName{
		types.QueueAttributeNameApproximateNumberOfMessages,
		types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
	} {
		n, _ := strconv.ParseInt(out.Attributes[string(name)], 10, 64)
		total += n
	}
	return total, nil
}
