package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ErrClosed is returned when Receive is called after the source has been closed.
var ErrClosed = errors.New("source closed")

// SQS caps both DeleteMessageBatch and ChangeMessageVisibilityBatch at 10 entries.
const sqsBatchMax = 10

type SourceSQSConfig struct {
	WaitTimeSeconds int32
	MaxMessages     int32
	VisibilityTO    int32

	Pollers int
	// BufSize bounds messages received but not yet handed out. They already
	// count against their visibility timeout, so keep it near one batch.
	BufSize int

	// FailVisibilityTimeoutSeconds, when set, makes Release change the
	// visibility of a failed delivery so it is redelivered after that delay
	// instead of after the full visibility timeout.
	FailVisibilityTimeoutSeconds *int32

	// OnReceiveError is called for every failed ReceiveMessage call. Optional.
	OnReceiveError func(err error)
}

func (c *SourceSQSConfig) validate() {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		panic("wait time seconds must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		panic("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		panic("visibility timeout must be non-negative")
	}
	if c.Pollers < 1 {
		panic("pollers must be at least 1")
	}
	if c.BufSize < 1 {
		panic("buffer size must be at least 1")
	}
	if c.FailVisibilityTimeoutSeconds != nil && *c.FailVisibilityTimeoutSeconds < 0 {
		panic("fail visibility timeout seconds must be non-negative")
	}
}

var DefaultSourceSQSConfig = SourceSQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
	VisibilityTO:    30,
	Pollers:         1,
	BufSize:         10,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SourceSQS long-polls an SQS queue from a fixed set of pollers and hands
// messages out through a bounded buffer.
type SourceSQS struct {
	cfg SourceSQSConfig

	client      sqsAPI
	queueURL    string
	queueURLPtr *string

	bufCh chan sqstypes.Message

	pollCtx   context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

func NewWithConfig(ctx context.Context, client sqsAPI, queueURL string, cfg SourceSQSConfig) *SourceSQS {
	s := newSourceSQS(ctx, client, queueURL, cfg)
	s.startPollers()
	return s
}

func newSourceSQS(ctx context.Context, client sqsAPI, queueURL string, cfg SourceSQSConfig) *SourceSQS {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	cfg.validate()

	ctx, cancel := context.WithCancel(ctx)

	s := &SourceSQS{
		cfg:      cfg,
		client:   client,
		queueURL: queueURL,
		bufCh:    make(chan sqstypes.Message, cfg.BufSize),
		cancel:   cancel,
	}
	s.queueURLPtr = &s.queueURL
	s.pollCtx = ctx
	return s
}

func (s *SourceSQS) startPollers() {
	ctx := s.pollCtx
	s.wg.Add(s.cfg.Pollers)
	for i := 0; i < s.cfg.Pollers; i++ {
		go func() {
			defer s.wg.Done()
			s.pollLoop(ctx)
		}()
	}
	go func() {
		s.wg.Wait()
		close(s.bufCh)
	}()
}

func (s *SourceSQS) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
		out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
			QueueUrl:              s.queueURLPtr,
			MaxNumberOfMessages:   s.cfg.MaxMessages,
			WaitTimeSeconds:       s.cfg.WaitTimeSeconds,
			VisibilityTimeout:     s.cfg.VisibilityTO,
			MessageAttributeNames: []string{"All"},
			AttributeNames:        []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
		})
		cancel()

		if err != nil {
			if ctx.Err() == nil && s.cfg.OnReceiveError != nil {
				s.cfg.OnReceiveError(err)
			}
			select {
			case <-time.After(250 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		for i := range out.Messages {
			select {
			case s.bufCh <- out.Messages[i]:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close stops the pollers. Buffered messages are still handed out by Receive;
// after that Receive returns ErrClosed.
func (s *SourceSQS) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}

func (s *SourceSQS) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case m, ok := <-s.bufCh:
		if !ok {
			return Message{}, ErrClosed
		}
		return FromSQS(m), nil
	}
}

// AckBatchMeta deletes the given deliveries from the queue.
func (s *SourceSQS) AckBatchMeta(ctx context.Context, metas []AckMetadata) error {
	if len(metas) == 0 {
		return nil
	}

	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, sqsBatchMax)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}

	for i := 0; i < len(metas); i += sqsBatchMax {
		end := i + sqsBatchMax
		if end > len(metas) {
			end = len(metas)
		}

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            aws.String(entryID(j - i)),
				ReceiptHandle: &metas[j].Handle,
			})
		}

		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			return fmt.Errorf("sqs delete batch: %w", err)
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs delete failed for %d entries, first id=%s code=%s message=%s",
				len(out.Failed), idFor(metas[i:end], aws.ToString(f.Id)), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return nil
}

// Release hands a failed delivery back to the queue. Without
// FailVisibilityTimeoutSeconds it is a no-op and the message reappears once its
// visibility timeout expires.
func (s *SourceSQS) Release(ctx context.Context, meta AckMetadata, _ error) error {
	if s.cfg.FailVisibilityTimeoutSeconds == nil || meta.Handle == "" {
		return nil
	}
	_, callErr := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          s.queueURLPtr,
		ReceiptHandle:     aws.String(meta.Handle),
		VisibilityTimeout: *s.cfg.FailVisibilityTimeoutSeconds,
	})
	if callErr != nil && !errors.Is(callErr, context.Canceled) && !errors.Is(callErr, context.DeadlineExceeded) {
		return fmt.Errorf("sqs change visibility id=%s: %w", meta.ID, callErr)
	}
	return nil
}

func (s *SourceSQS) ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, visibilityTimeoutSeconds int32) error {
	if len(metas) == 0 {
		return nil
	}

	in := sqs.ChangeMessageVisibilityBatchInput{
		QueueUrl: s.queueURLPtr,
	}

	entries := make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, 0, sqsBatchMax)

	for i := 0; i < len(metas); i += sqsBatchMax {
		end := i + sqsBatchMax
		if end > len(metas) {
			end = len(metas)
		}

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(entryID(j - i)),
				ReceiptHandle:     &metas[j].Handle,
				VisibilityTimeout: visibilityTimeoutSeconds,
			})
		}

		in.Entries = entries
		out, err := s.client.ChangeMessageVisibilityBatch(ctx, &in)
		if err != nil {
			return fmt.Errorf("sqs visibility batch: %w", err)
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs visibility batch failed id=%s code=%s message=%s",
				idFor(metas[i:end], aws.ToString(f.Id)), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}

	return nil
}

// Batch entry ids only need to be unique within one request. Message ids may
// contain characters SQS rejects there, so entries are numbered instead.
func entryID(i int) string {
	return "e" + strconv.Itoa(i)
}

func idFor(chunk []AckMetadata, entry string) string {
	for i := range chunk {
		if entryID(i) == entry {
			return chunk[i].ID
		}
	}
	return entry
}
