package observability

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id string) OutcomeEvent {
	return OutcomeEvent{
		Timestamp:     time.Now().UTC(),
		CorrelationID: id,
		Model:         "gpt-4o",
		Provider:      "openai-primary",
		Outcome:       "success",
		Attempts:      1,
		LatencyMS:     42,
		TokensIn:      10,
		TokensOut:     20,
		Cost:          0.0004,
	}
}

func TestLogSinkEmitsOutcomeFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	ev := testEvent("corr-log-1")
	ev.Error = "upstream_error: bad gateway"
	sink.Emit(context.Background(), ev)
	require.NoError(t, sink.Close(context.Background()))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "request outcome", record["msg"])
	assert.Equal(t, "corr-log-1", record["correlation_id"])
	assert.Equal(t, "openai-primary", record["provider"])
	assert.Equal(t, "success", record["outcome"])
	assert.Equal(t, float64(1), record["attempts"])
	assert.Equal(t, "upstream_error: bad gateway", record["error"])
}

type capturingS3 struct {
	mu   sync.Mutex
	puts []capturedPut
}

type capturedPut struct {
	key         string
	contentType string
	body        string
}

func (c *capturingS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = append(c.puts, capturedPut{
		key:         *in.Key,
		contentType: *in.ContentType,
		body:        string(body),
	})
	return &s3.PutObjectOutput{}, nil
}

func (c *capturingS3) snapshot() []capturedPut {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedPut(nil), c.puts...)
}

func TestS3SinkFlushesFullBatches(t *testing.T) {
	client := &capturingS3{}
	sink := newS3Sink(client, S3Config{
		Bucket:        "telemetry",
		Prefix:        "routing/outcomes",
		BatchSize:     2,
		FlushInterval: time.Hour, // only batch size should trigger
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer sink.Close(context.Background())

	sink.Emit(context.Background(), testEvent("corr-s3-1"))
	sink.Emit(context.Background(), testEvent("corr-s3-2"))

	require.Eventually(t, func() bool {
		return len(client.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	put := client.snapshot()[0]
	assert.Equal(t, "application/x-ndjson", put.contentType)

	keyPattern := regexp.MustCompile(`^routing/outcomes/year=\d{4}/month=\d{2}/day=\d{2}/hour=\d{2}/outcomes_\d+\.jsonl$`)
	assert.Regexp(t, keyPattern, put.key)

	lines := strings.Split(strings.TrimSpace(put.body), "\n")
	require.Len(t, lines, 2)
	var first OutcomeEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "corr-s3-1", first.CorrelationID)
	assert.Equal(t, "gpt-4o", first.Model)
}

func TestS3SinkCloseFlushesRemainder(t *testing.T) {
	client := &capturingS3{}
	sink := newS3Sink(client, S3Config{
		Bucket:        "telemetry",
		BatchSize:     10,
		FlushInterval: time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sink.Emit(context.Background(), testEvent("corr-s3-final"))
	require.NoError(t, sink.Close(context.Background()))

	puts := client.snapshot()
	require.Len(t, puts, 1)
	assert.Contains(t, puts[0].body, "corr-s3-final")
	// Default prefix applies when none is configured.
	assert.True(t, strings.HasPrefix(puts[0].key, "polyroute/"), "key: %s", puts[0].key)
}

func TestNewS3SinkRequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}
