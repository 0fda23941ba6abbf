package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/StefanGrimminck/threatfeed/internal/config"
	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

// Writer archives enriched records to a configured destination. Write may buffer;
// Flush sends what is buffered.
type Writer interface {
	Write(ctx context.Context, rec feed.Record) error
	Flush(ctx context.Context) error
	Close() error
}

// NewWriter creates a Writer from config. Type "none" returns a nil Writer and no error.
func NewWriter(cfg config.OutputConfig) (Writer, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "stdout":
		return &stdoutWriter{w: bufio.NewWriter(os.Stdout)}, nil
	case "elasticsearch":
		if cfg.ElasticsearchURL == "" {
			return nil, fmt.Errorf("elasticsearch_url required")
		}
		idx := cfg.ElasticsearchIndex
		if idx == "" {
			idx = "threatfeed-records"
		}
		return &esWriter{
			client: &http.Client{Timeout: 30 * time.Second},
			url:    strings.TrimSuffix(cfg.ElasticsearchURL, "/") + "/_bulk",
			index:  idx,
			user:   cfg.ElasticsearchUser,
			pass:   cfg.ElasticsearchPass,
			buf:    make([]feed.Record, 0, 100),
			flush:  100,
		}, nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis_url required")
		}
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		stream := cfg.RedisStream
		if stream == "" {
			stream = "threatfeed:records"
		}
		return &redisWriter{client: redis.NewClient(opt), stream: stream, maxLen: 10000}, nil
	default:
		return nil, fmt.Errorf("unknown output type: %s", cfg.Type)
	}
}

type stdoutWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (s *stdoutWriter) Write(ctx context.Context, rec feed.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.w.Write(append(b, '\n'))
	return err
}

func (s *stdoutWriter) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

func (s *stdoutWriter) Close() error {
	return s.Flush(context.Background())
}

type esWriter struct {
	client *http.Client
	url    string
	index  string
	user   string
	pass   string
	mu     sync.Mutex
	buf    []feed.Record
	flush  int
}

func (e *esWriter) Write(ctx context.Context, rec feed.Record) error {
	e.mu.Lock()
	e.buf = append(e.buf, rec)
	shouldFlush := len(e.buf) >= e.flush
	e.mu.Unlock()
	if shouldFlush {
		return e.Flush(ctx)
	}
	return nil
}

func (e *esWriter) Flush(ctx context.Context) error {
	e.mu.Lock()
	if len(e.buf) == 0 {
		e.mu.Unlock()
		return nil
	}
	batch := e.buf
	e.buf = make([]feed.Record, 0, e.flush)
	e.mu.Unlock()

	meta, _ := json.Marshal(map[string]interface{}{"index": map[string]interface{}{"_index": e.index}})
	var ndjson bytes.Buffer
	for _, rec := range batch {
		doc, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		ndjson.Write(meta)
		ndjson.WriteByte('\n')
		ndjson.Write(doc)
		ndjson.WriteByte('\n')
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, &ndjson)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if e.user != "" && e.pass != "" {
		req.SetBasicAuth(e.user, e.pass)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("elasticsearch bulk %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (e *esWriter) Close() error {
	return e.Flush(context.Background())
}

// redisWriter appends one stream entry per record, trimming the stream to about maxLen entries.
type redisWriter struct {
	client *redis.Client
	stream string
	maxLen int64
}

func (r *redisWriter) Write(ctx context.Context, rec feed.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"ip":     rec.IPAddress,
			"score":  rec.AbuseConfidenceScore,
			"record": string(doc),
		},
	}).Err()
}

func (r *redisWriter) Flush(ctx context.Context) error { return nil }

// Ping checks the connection to Redis.
func (r *redisWriter) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

func (r *redisWriter) Close() error {
	return r.client.Close()
}
