package trace

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dorklabs/dorkos/internal/dorkerr"
)

// Store is the sqlite-backed span store. Inserts are synchronous; patches go
// through a small write-behind batch that flushes on a timer. Reads flush
// first so they observe their own writes.
type Store struct {
	db *sql.DB

	mu      sync.Mutex // serializes writes and guards pending
	pending []patchOp

	flushEvery time.Duration
	done       chan struct{}
	wg         sync.WaitGroup
}

type patchOp struct {
	byID  bool // key is span_id rather than parent message_id
	key   string
	patch SpanPatch
}

// NewStore creates a span store over an open database. flushEvery bounds how
// long a patch may sit in the batch (default 100ms).
func NewStore(db *sql.DB, flushEvery time.Duration) *Store {
	if flushEvery <= 0 {
		flushEvery = 100 * time.Millisecond
	}
	s := &Store{
		db:         db,
		flushEvery: flushEvery,
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// Close flushes outstanding patches and stops the flush loop.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.Flush()
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				slog.Warn("trace flush failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// InsertSpan appends a span row. The parent span for a message must be
// inserted before any delivery attempt for it.
func (s *Store) InsertSpan(span Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parent any
	if span.ParentSpanID != "" {
		parent = span.ParentSpanID
	}
	_, err := s.db.Exec(
		`INSERT INTO spans (span_id, message_id, trace_id, parent_span_id, subject,
		                    from_endpoint, to_endpoint, status, hops_used,
		                    ttl_remaining_ms, sent_at, delivered_at, processed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.SpanID, span.MessageID, span.TraceID, parent, span.Subject,
		span.FromEndpoint, span.ToEndpoint, string(span.Status), span.BudgetHopsUsed,
		span.BudgetTTLRemainingMs, span.SentAt.UnixMilli(),
		msOrNil(span.DeliveredAt), msOrNil(span.ProcessedAt), nullIfEmpty(span.Error),
	)
	if err != nil {
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("insert span %s: %w", span.SpanID, err))
	}
	return nil
}

// UpdateSpan patches the parent span of messageID.
func (s *Store) UpdateSpan(messageID string, patch SpanPatch) error {
	s.mu.Lock()
	s.pending = append(s.pending, patchOp{key: messageID, patch: patch})
	s.mu.Unlock()
	return nil
}

// UpdateSpanByID patches an individual span row (delivery attempts).
func (s *Store) UpdateSpanByID(spanID string, patch SpanPatch) error {
	s.mu.Lock()
	s.pending = append(s.pending, patchOp{byID: true, key: spanID, patch: patch})
	s.mu.Unlock()
	return nil
}

// Flush applies all batched patches in order.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	ops := s.pending
	s.pending = nil

	tx, err := s.db.Begin()
	if err != nil {
		return dorkerr.Wrap(dorkerr.CodeIO, err)
	}
	for _, op := range ops {
		if err := applyPatch(tx, op); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return dorkerr.Wrap(dorkerr.CodeIO, err)
	}
	return nil
}

func applyPatch(tx *sql.Tx, op patchOp) error {
	set := ""
	var args []any
	add := func(col string, v any) {
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, v)
	}
	p := op.patch
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.DeliveredAt != nil {
		add("delivered_at", p.DeliveredAt.UnixMilli())
	}
	if p.ProcessedAt != nil {
		add("processed_at", p.ProcessedAt.UnixMilli())
	}
	if p.Error != nil {
		add("error", *p.Error)
	}
	if p.BudgetHopsUsed != nil {
		add("hops_used", *p.BudgetHopsUsed)
	}
	if p.BudgetTTLRemainingMs != nil {
		add("ttl_remaining_ms", *p.BudgetTTLRemainingMs)
	}
	if set == "" {
		return nil
	}

	where := "span_id = ?"
	if !op.byID {
		where = "message_id = ? AND parent_span_id IS NULL"
	}
	args = append(args, op.key)
	if _, err := tx.Exec("UPDATE spans SET "+set+" WHERE "+where, args...); err != nil {
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("patch span %s: %w", op.key, err))
	}
	return nil
}

// GetSpanByMessageID returns the parent span for a message, or nil.
func (s *Store) GetSpanByMessageID(messageID string) (*Span, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(selectSpans+` WHERE message_id = ? AND parent_span_id IS NULL`, messageID)
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, err)
	}
	defer rows.Close()
	spans, err := scanSpans(rows)
	if err != nil || len(spans) == 0 {
		return nil, err
	}
	return &spans[0], nil
}

// GetTrace returns all spans of a trace in tree order by sentAt.
func (s *Store) GetTrace(traceID string) ([]Span, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(selectSpans+` WHERE trace_id = ? ORDER BY sent_at ASC, span_id ASC`, traceID)
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, err)
	}
	defer rows.Close()
	return scanSpans(rows)
}

// QueryMessages returns parent spans matching the filter, newest first.
func (s *Store) QueryMessages(f MessageFilter) ([]Span, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	q := selectSpans + ` WHERE parent_span_id IS NULL`
	var args []any
	if f.Subject != "" {
		q += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.From != "" {
		q += ` AND from_endpoint = ?`
		args = append(args, f.From)
	}
	if f.Cursor > 0 {
		q += ` AND sent_at < ?`
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += ` ORDER BY sent_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, err)
	}
	defer rows.Close()
	return scanSpans(rows)
}

// Metrics aggregates parent spans. ActiveEndpoints is filled by the caller
// (the relay owns the endpoint table).
func (s *Store) Metrics() (*Metrics, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	m := &Metrics{}
	err := s.db.QueryRow(
		`SELECT COUNT(1),
		        COALESCE(SUM(CASE WHEN status IN ('delivered','processed') THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'dead_lettered' THEN 1 ELSE 0 END), 0)
		 FROM spans WHERE parent_span_id IS NULL`,
	).Scan(&m.TotalMessages, &m.DeliveredCount, &m.FailedCount, &m.DeadLetteredCount)
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, err)
	}

	rows, err := s.db.Query(
		`SELECT delivered_at - sent_at FROM spans
		 WHERE parent_span_id IS NULL AND delivered_at IS NOT NULL`)
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, err)
	}
	defer rows.Close()

	var latencies []float64
	for rows.Next() {
		var ms float64
		if err := rows.Scan(&ms); err != nil {
			return nil, dorkerr.Wrap(dorkerr.CodeIO, err)
		}
		latencies = append(latencies, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, err)
	}
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		sum := 0.0
		for _, l := range latencies {
			sum += l
		}
		avg := sum / float64(len(latencies))
		idx := (len(latencies) * 95) / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		p95 := latencies[idx]
		m.AvgDeliveryLatencyMs = &avg
		m.P95DeliveryLatencyMs = &p95
	}
	return m, nil
}

const selectSpans = `SELECT span_id, message_id, trace_id, parent_span_id, subject,
       from_endpoint, to_endpoint, status, hops_used, ttl_remaining_ms,
       sent_at, delivered_at, processed_at, error FROM spans`

func scanSpans(rows *sql.Rows) ([]Span, error) {
	var out []Span
	for rows.Next() {
		var sp Span
		var parent, from, to, errStr sql.NullString
		var sentAt int64
		var delivered, processed, ttl sql.NullInt64
		if err := rows.Scan(&sp.SpanID, &sp.MessageID, &sp.TraceID, &parent, &sp.Subject,
			&from, &to, &sp.Status, &sp.BudgetHopsUsed, &ttl,
			&sentAt, &delivered, &processed, &errStr); err != nil {
			return nil, dorkerr.Wrap(dorkerr.CodeIO, err)
		}
		sp.ParentSpanID = parent.String
		sp.FromEndpoint = from.String
		sp.ToEndpoint = to.String
		sp.Error = errStr.String
		sp.BudgetTTLRemainingMs = ttl.Int64
		sp.SentAt = time.UnixMilli(sentAt)
		if delivered.Valid {
			t := time.UnixMilli(delivered.Int64)
			sp.DeliveredAt = &t
		}
		if processed.Valid {
			t := time.UnixMilli(processed.Int64)
			sp.ProcessedAt = &t
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
