package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sink stores a batch of records. Writing the same batch twice must not
// duplicate it.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
}

// BatchKey names a batch after its contents so a rewritten batch lands on
// the same object.
func BatchKey(prefix string, batch []Record) string {
	ids := make([]string, len(batch))
	for i, record := range batch {
		ids[i] = record.EventID
	}
	slices.Sort(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))

	day := "undated"
	if len(batch) > 0 {
		day = batch[0].Timestamp.UTC().Format("2006/01/02")
	}
	return path.Join(prefix, day, hex.EncodeToString(sum[:12])+".jsonl")
}

func encodeBatch(batch []Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range batch {
		if err := encoder.Encode(record); err != nil {
			return nil, fmt.Errorf("failed to encode audit record %s: %w", record.EventID, err)
		}
	}
	return buf.Bytes(), nil
}

type putClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Sink writes each batch as one JSON-lines object.
type S3Sink struct {
	mu     sync.Mutex
	client putClient
	cfg    S3Config
}

func NewS3Sink(cfg S3Config) *S3Sink {
	return NewS3SinkWithClient(cfg, nil)
}

// NewS3SinkWithClient uses client instead of one built from the default AWS
// configuration chain.
func NewS3SinkWithClient(cfg S3Config, client putClient) *S3Sink {
	if cfg.Prefix == "" {
		cfg.Prefix = "audit"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &S3Sink{client: client, cfg: cfg}
}

func (s *S3Sink) Write(ctx context.Context, batch []Record) error {
	key := BatchKey(s.cfg.Prefix, batch)
	ctx, span := tracer.Start(ctx, "write audit batch", trace.WithAttributes(
		attribute.String("s3.bucket", s.cfg.Bucket),
		attribute.String("s3.key", key),
		attribute.Int("audit.records", len(batch)),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	body, err := encodeBatch(batch)
	if err != nil {
		return fail(err)
	}
	client, err := s.resolveClient(ctx)
	if err != nil {
		return fail(err)
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fail(fmt.Errorf("failed to put audit batch %s: %w", key, err))
	}
	return nil
}

func (s *S3Sink) resolveClient(ctx context.Context) (putClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	logger.Info("created s3 client", "region", s.cfg.Region, "bucket", s.cfg.Bucket)
	s.client = s3.NewFromConfig(awsCfg)
	return s.client, nil
}

// FileSink appends JSON lines to a local file. A rewritten batch is appended
// again; readers de-duplicate by event id.
type FileSink struct {
	mu   sync.Mutex
	path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Write(_ context.Context, batch []Record) error {
	body, err := encodeBatch(batch)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append audit batch: %w", err)
	}
	return f.Close()
}

// MemorySink keeps records in process, keyed by event id.
type MemorySink struct {
	mu      sync.Mutex
	records map[string]Record
	writes  int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]Record)}
}

func (s *MemorySink) Write(_ context.Context, batch []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range batch {
		s.records[record.EventID] = record
	}
	s.writes++
	return nil
}

// Records returns every stored record ordered by timestamp.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	slices.SortFunc(records, func(a, b Record) int { return a.Timestamp.Compare(b.Timestamp) })
	return records
}

// Writes counts accepted batches.
func (s *MemorySink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
