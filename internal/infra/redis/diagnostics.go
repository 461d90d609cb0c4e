package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Byk3y/PREPAI-sub003/internal/recovery"
)

const defaultDiagnosticsCap = 1000

// DiagnosticsSink keeps the most recent classified errors in a capped list.
type DiagnosticsSink struct {
	c   *Client
	cap int64
}

// NewDiagnosticsSink creates a sink holding at most capacity records.
func NewDiagnosticsSink(c *Client, capacity int) *DiagnosticsSink {
	if capacity <= 0 {
		capacity = defaultDiagnosticsCap
	}
	return &DiagnosticsSink{c: c, cap: int64(capacity)}
}

// Record pushes rec and trims the list in one round trip.
func (s *DiagnosticsSink) Record(ctx context.Context, rec recovery.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics record: %w", err)
	}

	key := s.c.diagnosticsKey()
	pipe := s.c.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.cap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record diagnostics: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *DiagnosticsSink) Recent(ctx context.Context, n int) ([]recovery.Record, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.c.rdb.LRange(ctx, s.c.diagnosticsKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}

	out := make([]recovery.Record, 0, len(raw))
	for _, item := range raw {
		var rec recovery.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
