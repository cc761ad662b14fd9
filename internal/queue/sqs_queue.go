package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/dialgrid/dialgrid/pkg/logging"
)

// SQSQueue carries start commands over AWS (or LocalStack) SQS. A payload
// that does not decode is deleted on receipt so a poison message cannot wedge
// the consumer loop.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	logger   *logging.Logger
}

func NewSQSQueue(client *sqs.Client, queueURL string, logger *logging.Logger) *SQSQueue {
	if client == nil {
		panic("queue: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("queue: SQS queueURL cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		logger:   logger.Component("campaign-queue"),
	}
}

func (q *SQSQueue) PublishStart(ctx context.Context, cmd StartCommand) error {
	cmd, err := prepareStart(cmd)
	if err != nil {
		return err
	}
	body, err := encodeStart(cmd)
	if err != nil {
		return err
	}
	if _, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	}); err != nil {
		return fmt.Errorf("queue: send start command: %w", err)
	}
	return nil
}

func (q *SQSQueue) ReceiveStarts(ctx context.Context, max, waitSeconds int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(waitSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive start commands: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		cmd, err := decodeStart(aws.ToString(msg.Body))
		if err != nil {
			q.logger.Error("dropping undecodable start command",
				"message_id", aws.ToString(msg.MessageId), "error", err)
			if derr := q.deleteByReceipt(ctx, aws.ToString(msg.ReceiptHandle)); derr != nil {
				q.logger.Warn("failed to delete undecodable message", "error", derr)
			}
			continue
		}
		deliveries = append(deliveries, Delivery{
			Command: cmd,
			receipt: aws.ToString(msg.ReceiptHandle),
		})
	}
	return deliveries, nil
}

func (q *SQSQueue) Ack(ctx context.Context, d Delivery) error {
	if d.receipt == "" {
		return nil
	}
	if err := q.deleteByReceipt(ctx, d.receipt); err != nil {
		return fmt.Errorf("queue: ack start command: %w", err)
	}
	return nil
}

func (q *SQSQueue) deleteByReceipt(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	return err
}
