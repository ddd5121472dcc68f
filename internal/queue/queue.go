package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "plannerd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Queue is the durable note queue.
//
// It is the single owner of queue_items state transitions. All cross-worker
// coordination happens through the claim statement in Dequeue: a conditional
// UPDATE guarded by status='pending', executed on a single-writer connection,
// so concurrent callers can never claim the same item. Every transition
// stamps updated_at in the same statement.
type Queue struct {
	db  *sql.DB
	log logx.Logger

	defaultMaxAttempts int

	// now is swappable for tests that need to age items.
	now func() time.Time
}

// Open opens (and migrates) the queue database.
func Open(cfg Config, log logx.Logger) (*Queue, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("queue path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	maxAttempts := cfg.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	q := &Queue{db: db, log: log, defaultMaxAttempts: maxAttempts, now: time.Now}
	if err := q.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, string(b))
	return err
}

func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue inserts a new pending item and returns its id.
// The energy snapshot is captured for audit only; it does not affect claiming.
func (q *Queue) Enqueue(ctx context.Context, notes string, snap EnergySnapshot, maxAttempts int) (string, error) {
	if q == nil || q.db == nil {
		return "", ErrClosed
	}
	if maxAttempts <= 0 {
		maxAttempts = q.defaultMaxAttempts
	}
	id := uuid.NewString()
	nowMS := q.now().UnixMilli()

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_items(id, notes, status, attempts, max_attempts,
		    submitted_price_eur, submitted_solar, submitted_tier,
		    created_at, updated_at)
		 VALUES(?, ?, 'pending', 0, ?, ?, ?, ?, ?, ?)`,
		id, notes, maxAttempts,
		nullFloat(snap.PriceEUR), nullBool(snap.SolarAvailable), nullStr(snap.Tier),
		nowMS, nowMS,
	)
	if err != nil {
		return "", err
	}
	q.log.Debug("enqueued item", logx.String("id", id), logx.Int("max_attempts", maxAttempts))
	return id, nil
}

// Dequeue atomically claims the oldest pending item for workerID.
//
// The claim transitions the item to processing, increments attempts and
// stamps ownership in one statement. Returns (nil, nil) when no pending item
// exists; that is not an error.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Claimed, error) {
	if q == nil || q.db == nil {
		return nil, ErrClosed
	}
	nowMS := q.now().UnixMilli()

	row := q.db.QueryRowContext(ctx,
		`UPDATE queue_items
		 SET status='processing', attempts=attempts+1,
		     worker_id=?, processing_started_at=?, updated_at=?
		 WHERE id = (
		     SELECT id FROM queue_items
		     WHERE status='pending'
		     ORDER BY created_at, rowid
		     LIMIT 1
		 ) AND status='pending'
		 RETURNING id, notes, attempts, submitted_tier`,
		workerID, nowMS, nowMS,
	)

	var (
		c    Claimed
		tier sql.NullString
	)
	err := row.Scan(&c.ID, &c.Notes, &c.Attempts, &tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.SubmittedTier = tier.String
	q.log.Debug("dequeued item", logx.String("id", c.ID), logx.Int("attempt", c.Attempts), logx.String("worker", workerID))
	return &c, nil
}

// Complete transitions a processing item to completed and stores the result
// plus the processed-time energy snapshot.
//
// Returns false when the item is no longer processing (e.g. it was reclaimed
// by stale recovery and handed to another worker). That is a benign race,
// not an error: the completing worker's output is simply discarded.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage, snap EnergySnapshot) (bool, error) {
	if q == nil || q.db == nil {
		return false, ErrClosed
	}
	nowMS := q.now().UnixMilli()

	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status='completed', result=?,
		     processed_price_eur=?, processed_solar=?, processed_tier=?,
		     completed_at=?, worker_id=NULL, updated_at=?
		 WHERE id=? AND status='processing'`,
		nullRaw(result),
		nullFloat(snap.PriceEUR), nullBool(snap.SolarAvailable), nullStr(snap.Tier),
		nowMS, nowMS, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		q.log.Warn("complete skipped: item not processing", logx.String("id", id))
		return false, nil
	}
	return true, nil
}

// Fail records a processing failure.
//
// If attempts have reached max_attempts the item is dead-lettered, otherwise
// it returns to pending for another claim. Ownership is cleared either way.
// The resulting status is returned so callers can alert on dead-lettering.
func (q *Queue) Fail(ctx context.Context, id, errMsg string) (Status, error) {
	if q == nil || q.db == nil {
		return "", ErrClosed
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status      string
		attempts    int
		maxAttempts int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempts, max_attempts FROM queue_items WHERE id=?`, id,
	).Scan(&status, &attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if Status(status) != StatusProcessing {
		// Lost the claim (stale recovery got here first). Leave state alone.
		return Status(status), nil
	}

	next := StatusPending
	if attempts >= maxAttempts {
		next = StatusDead
	}

	nowMS := q.now().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`UPDATE queue_items
		 SET status=?, last_error=?, worker_id=NULL, processing_started_at=NULL, updated_at=?
		 WHERE id=?`,
		string(next), errMsg, nowMS, id,
	)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	if next == StatusDead {
		q.log.Warn("item dead-lettered", logx.String("id", id), logx.Int("attempts", attempts), logx.String("last_error", errMsg))
	} else {
		q.log.Info("item returned for retry", logx.String("id", id), logx.Int("attempts", attempts), logx.String("last_error", errMsg))
	}
	return next, nil
}

// RecoverStale reclaims items stuck in processing longer than timeout
// (crashed-worker orphans). Each item gets the same attempts-vs-max decision
// as Fail, with a timeout marker recorded as the error. Returns the count.
//
// The time-bounded predicate makes this safe to run alongside live workers:
// a fast-completing worker transitions away from processing before its item
// can ever look stale.
func (q *Queue) RecoverStale(ctx context.Context, timeout time.Duration) (int, error) {
	if q == nil || q.db == nil {
		return 0, ErrClosed
	}
	if timeout <= 0 {
		return 0, errors.New("stale timeout must be > 0")
	}
	nowMS := q.now().UnixMilli()
	cutoff := nowMS - timeout.Milliseconds()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	dead, err := tx.ExecContext(ctx,
		`UPDATE queue_items
		 SET status='dead', last_error=?, worker_id=NULL, processing_started_at=NULL, updated_at=?
		 WHERE status='processing' AND processing_started_at < ? AND attempts >= max_attempts`,
		staleError, nowMS, cutoff,
	)
	if err != nil {
		return 0, err
	}
	retried, err := tx.ExecContext(ctx,
		`UPDATE queue_items
		 SET status='pending', last_error=?, worker_id=NULL, processing_started_at=NULL, updated_at=?
		 WHERE status='processing' AND processing_started_at < ? AND attempts < max_attempts`,
		staleError, nowMS, cutoff,
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	nd, _ := dead.RowsAffected()
	nr, _ := retried.RowsAffected()
	total := int(nd + nr)
	if total > 0 {
		q.log.Warn("recovered stale items", logx.Int("count", total), logx.Int64("dead", nd), logx.Int64("retried", nr))
	}
	return total, nil
}

// RetryDead manually requeues a dead-lettered item.
//
// resetAttempts controls whether the retry budget starts over; it is an
// explicit policy knob rather than a baked-in choice.
func (q *Queue) RetryDead(ctx context.Context, id string, resetAttempts bool) (bool, error) {
	if q == nil || q.db == nil {
		return false, ErrClosed
	}
	nowMS := q.now().UnixMilli()

	stmt := `UPDATE queue_items
	         SET status='pending', last_error=NULL, worker_id=NULL, processing_started_at=NULL, updated_at=?
	         WHERE id=? AND status='dead'`
	if resetAttempts {
		stmt = `UPDATE queue_items
		        SET status='pending', attempts=0, last_error=NULL, worker_id=NULL, processing_started_at=NULL, updated_at=?
		        WHERE id=? AND status='dead'`
	}
	res, err := q.db.ExecContext(ctx, stmt, nowMS, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		q.log.Info("dead item requeued", logx.String("id", id), logx.Bool("reset_attempts", resetAttempts))
	}
	return n > 0, nil
}

const itemColumns = `id, notes, status, attempts, max_attempts, last_error,
	submitted_price_eur, submitted_solar, submitted_tier,
	processed_price_eur, processed_solar, processed_tier,
	created_at, updated_at, processing_started_at, completed_at,
	worker_id, result`

// Get returns one item by id, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	if q == nil || q.db == nil {
		return nil, ErrClosed
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id=?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// Recent lists the newest items, optionally filtered by status.
// Pass status "" for all.
func (q *Queue) Recent(ctx context.Context, limit int, status Status) ([]Item, error) {
	if q == nil || q.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = q.db.QueryContext(ctx,
			`SELECT `+itemColumns+` FROM queue_items ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = q.db.QueryContext(ctx,
			`SELECT `+itemColumns+` FROM queue_items WHERE status=? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// DeadLetters lists items requiring manual intervention.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.Recent(ctx, limit, StatusDead)
}

// PendingCount returns the number of claimable items.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	if q == nil || q.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE status='pending'`).Scan(&n)
	return n, err
}

// Stats aggregates item counts by status for monitoring.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: map[Status]StatusStats{}}
	if q == nil || q.db == nil {
		return st, ErrClosed
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*), MIN(created_at), MAX(created_at), AVG(attempts)
		 FROM queue_items GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status           string
			count            int
			oldest, newest   int64
			avg              float64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest, &avg); err != nil {
			return st, err
		}
		st.ByStatus[Status(status)] = StatusStats{
			Count:       count,
			Oldest:      time.UnixMilli(oldest),
			Newest:      time.UnixMilli(newest),
			AvgAttempts: avg,
		}
		st.Total += count
	}
	return st, rows.Err()
}

// PurgeCompleted deletes completed items older than olderThan.
func (q *Queue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	if q == nil || q.db == nil {
		return 0, ErrClosed
	}
	cutoff := q.now().Add(-olderThan).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status='completed' AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("purged completed items", logx.Int64("count", n))
	}
	return int(n), nil
}

// Delete permanently removes an item regardless of status.
func (q *Queue) Delete(ctx context.Context, id string) (bool, error) {
	if q == nil || q.db == nil {
		return false, ErrClosed
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		it Item

		lastErr, subTier, procTier, workerID, result sql.NullString
		subPrice, procPrice                          sql.NullFloat64
		subSolar, procSolar                          sql.NullInt64
		createdMS, updatedMS                         int64
		procStartMS, completedMS                     sql.NullInt64
		status                                       string
	)
	err := row.Scan(
		&it.ID, &it.Notes, &status, &it.Attempts, &it.MaxAttempts, &lastErr,
		&subPrice, &subSolar, &subTier,
		&procPrice, &procSolar, &procTier,
		&createdMS, &updatedMS, &procStartMS, &completedMS,
		&workerID, &result,
	)
	if err != nil {
		return nil, err
	}

	it.Status = Status(status)
	it.LastError = lastErr.String
	it.WorkerID = workerID.String
	it.Submitted = EnergySnapshot{PriceEUR: floatPtr(subPrice), SolarAvailable: boolPtr(subSolar), Tier: subTier.String}
	it.Processed = EnergySnapshot{PriceEUR: floatPtr(procPrice), SolarAvailable: boolPtr(procSolar), Tier: procTier.String}
	it.CreatedAt = time.UnixMilli(createdMS)
	it.UpdatedAt = time.UnixMilli(updatedMS)
	if procStartMS.Valid {
		t := time.UnixMilli(procStartMS.Int64)
		it.ProcessingStartedAt = &t
	}
	if completedMS.Valid {
		t := time.UnixMilli(completedMS.Int64)
		it.CompletedAt = &t
	}
	if result.Valid && result.String != "" {
		it.Result = json.RawMessage(result.String)
	}
	return &it, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	if *v {
		return 1
	}
	return 0
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}
