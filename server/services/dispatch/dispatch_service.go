// Package dispatch is the dispatcher: it resolves a worker id to a queue
// URL from the process environment and sends a queue message either over
// SQS (remote mode) or by invoking an in-process handler directly
// (local/dev mode).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
)

const queueURLEnvPrefix = "WORKER_QUEUE_URL_"

// Message is the queue payload sent for every dispatched job.
type Message struct {
	WorkerID   string            `json:"workerId"`
	JobID      string            `json:"jobId"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Context    MessageContext    `json:"context,omitempty"`
	WebhookURL string            `json:"webhookUrl,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

type MessageContext struct {
	RequestID string `json:"requestId,omitempty"`
}

// Options carries the per-send overrides.
type Options struct {
	DelaySeconds int
	WebhookURL   string
}

// Handler is the in-process handler signature used by local mode — the
// worker runtime supplies this so the dispatcher never needs to know how a
// job is actually executed.
type Handler func(ctx context.Context, msg Message) error

// Mode selects how Send actually delivers a message.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

type Service struct {
	mode    Mode
	sqsAPI  sqsAPI
	handler Handler
	log     logger.Log
}

type sqsAPI interface {
	SendMessage(input *sqs.SendMessageInput) (*sqs.SendMessageOutput, error)
}

// NewLocalService builds a dispatcher that invokes handler in-process
// instead of sending to a real queue, for development/parity testing.
func NewLocalService(handler Handler, logFactory logger.LogFactory) *Service {
	return &Service{mode: ModeLocal, handler: handler, log: logFactory("dispatch_service")}
}

// NewRemoteService builds a dispatcher that sends SQS messages using the
// default AWS credential chain.
func NewRemoteService(logFactory logger.LogFactory) (*Service, error) {
	sess, err := session.NewSession(aws.NewConfig())
	if err != nil {
		return nil, gerror.NewErrInternal("error creating aws session", err)
	}
	return &Service{mode: ModeRemote, sqsAPI: sqs.New(sess), log: logFactory("dispatch_service")}, nil
}

// QueueURL resolves a worker id to its configured queue URL via
// WORKER_QUEUE_URL_<UPPER_SNAKE(workerId)>.
func QueueURL(workerID string) (string, bool) {
	key := queueURLEnvPrefix + upperSnake(workerID)
	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

func upperSnake(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 32)
		case r == '-' || r == ' ':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Send dispatches one message. DelaySeconds is only honoured in remote
// mode and only makes sense for fire-and-forget sends — callers that await
// the result should pass 0.
func (s *Service) Send(ctx context.Context, msg Message, opts Options) error {
	if opts.DelaySeconds < 0 || opts.DelaySeconds > 900 {
		return gerror.NewErrValidationFailed("delaySeconds must be between 0 and 900")
	}
	msg.WebhookURL = opts.WebhookURL
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.log.WithField("job_id", msg.JobID).
		WithField("worker_id", msg.WorkerID).
		WithField("dispatch_fingerprint", fingerprint(msg)).
		Debugf("Dispatching job")

	if s.mode == ModeLocal {
		if s.handler == nil {
			return gerror.NewErrInternal("local dispatch mode has no handler configured", nil)
		}
		return s.handler(ctx, msg)
	}

	queueURL, ok := QueueURL(msg.WorkerID)
	if !ok {
		return gerror.NewErrDispatchFailed(fmt.Sprintf("no queue configured for worker %q", msg.WorkerID), nil)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return gerror.NewErrInternal("error encoding queue message", err)
	}
	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: aws.Int64(int64(opts.DelaySeconds)),
	}
	if _, err := s.sqsAPI.SendMessage(input); err != nil {
		return gerror.NewErrDispatchFailed(fmt.Sprintf("error sending message to queue for worker %q", msg.WorkerID), err)
	}
	return nil
}

// fingerprint is a stable hash of a message's (workerId, input) pair, used
// only as a log correlation field — dedup is by explicit jobId, never by
// input hash.
func fingerprint(msg Message) string {
	h, err := hashstructure.Hash(struct {
		WorkerID string
		Input    string
	}{WorkerID: msg.WorkerID, Input: string(msg.Input)}, hashstructure.FormatV2, nil)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", h)
}

// WebhookURL builds the webhook callback URL for a job from
// WORKFLOW_WEBHOOK_BASE_URL, or returns "" if unset.
func WebhookURL(jobID string) string {
	base := os.Getenv("WORKFLOW_WEBHOOK_BASE_URL")
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/workers/callback/" + jobID
}

// WorkerURL builds a worker's HTTP dispatch endpoint from WORKER_BASE_URL,
// or returns "" if unset.
func WorkerURL(workerID string) string {
	base := os.Getenv("WORKER_BASE_URL")
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/workers/" + workerID
}

// JobURL builds the job-record URL for a dispatched job on the worker HTTP
// surface, or returns "" when WORKER_BASE_URL is unset.
func JobURL(workerID, jobID string) string {
	base := WorkerURL(workerID)
	if base == "" {
		return ""
	}
	return base + "/" + jobID
}
