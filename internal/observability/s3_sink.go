package observability

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
)

const (
	defaultS3BatchSize     = 100
	defaultS3FlushInterval = 30 * time.Second
	s3PutTimeout           = 10 * time.Second
)

// S3Config controls the batched outcome export to S3.
type S3Config struct {
	Bucket        string
	Region        string
	Prefix        string // key prefix, default "polyroute"
	BatchSize     int
	FlushInterval time.Duration
}

type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink batches outcome events and uploads them as JSON Lines objects
// under date-partitioned keys, one object per flush. Emit never blocks:
// when the buffer is full the event is dropped and counted against the
// log instead of the caller.
type S3Sink struct {
	client    s3Client
	cfg       S3Config
	logger    *slog.Logger
	events    chan OutcomeEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewS3Sink resolves AWS credentials from the default chain and starts the
// flush loop.
func NewS3Sink(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 sink: bucket required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 sink: load aws config: %w", err)
	}
	return newS3Sink(s3.NewFromConfig(awsCfg), cfg, logger), nil
}

func newS3Sink(client s3Client, cfg S3Config, logger *slog.Logger) *S3Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultS3BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultS3FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &S3Sink{
		client: client,
		cfg:    cfg,
		logger: logger,
		events: make(chan OutcomeEvent, cfg.BatchSize*4),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Emit queues one event for the next flush.
func (s *S3Sink) Emit(_ context.Context, ev OutcomeEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("s3 sink buffer full, dropping outcome",
			"correlation_id", ev.CorrelationID)
	}
}

// Close drains buffered events, runs a final flush, and waits for the loop
// to exit or the context to expire.
func (s *S3Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.events) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *S3Sink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]OutcomeEvent, 0, s.cfg.BatchSize)
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *S3Sink) flush(batch []OutcomeEvent) {
	if len(batch) == 0 {
		return
	}
	var buf bytes.Buffer
	for _, ev := range batch {
		line, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("s3 sink: marshal outcome", "error", err)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3PutTimeout)
	defer cancel()
	key := s.objectKey(time.Now().UTC())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		s.logger.Error("s3 sink: put object failed",
			"bucket", s.cfg.Bucket, "key", key, "events", len(batch), "error", err)
		return
	}
	s.logger.Debug("s3 sink: flushed outcomes", "key", key, "events", len(batch))
}

// objectKey builds Hive-style date partitions so downstream queries can
// prune by hour.
func (s *S3Sink) objectKey(now time.Time) string {
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		prefix = "polyroute"
	}
	return fmt.Sprintf("%s/year=%d/month=%02d/day=%02d/hour=%02d/outcomes_%d.jsonl",
		prefix, now.Year(), int(now.Month()), now.Day(), now.Hour(), now.UnixNano())
}
