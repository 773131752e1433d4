package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
)

// Continuer arranges for an interrupted collection to resume. handoff
// reports whether another worker takes over, in which case the current
// run should stop instead of reclaiming the job.
type Continuer interface {
	Continue(ctx context.Context, repo string) (handoff bool, err error)
}

// loopContinuer resumes in-process: the run loop reclaims the
// in-progress job on its next iteration
type loopContinuer struct{}

// NewLoopContinuer returns a continuer for single-process daemon runs
func NewLoopContinuer() Continuer {
	return loopContinuer{}
}

func (loopContinuer) Continue(context.Context, string) (bool, error) {
	return false, nil
}

// noopContinuer drops continuations; the next scheduled run resumes
// from the stored checkpoint
type noopContinuer struct{}

// NewNoopContinuer returns a continuer for externally scheduled runs
func NewNoopContinuer() Continuer {
	return noopContinuer{}
}

func (noopContinuer) Continue(context.Context, string) (bool, error) {
	return true, nil
}

// sqsContinuer hands the job to a fresh worker through an SQS queue
type sqsContinuer struct {
	client   sqsiface.SQSAPI
	queueURL string
}

// NewSQSContinuer creates a continuer that publishes collect commands
// to the given queue using the default credential chain.
func NewSQSContinuer(queueURL, region string) (Continuer, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &sqsContinuer{client: sqs.New(sess), queueURL: queueURL}, nil
}

// NewSQSContinuerWithClient creates an SQS continuer over an existing
// client
func NewSQSContinuerWithClient(client sqsiface.SQSAPI, queueURL string) Continuer {
	return &sqsContinuer{client: client, queueURL: queueURL}
}

func (c *sqsContinuer) Continue(ctx context.Context, repo string) (bool, error) {
	body, err := json.Marshal(Command{Action: ActionCollect, ContinueRepo: repo})
	if err != nil {
		return false, fmt.Errorf("failed to encode continuation: %w", err)
	}

	_, err = c.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to publish continuation for %s: %w", repo, err)
	}
	return true, nil
}
