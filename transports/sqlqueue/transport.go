// Package sqlqueue provides a messenger transport storing messages in a database table.
//
// Each row holds one encoded envelope, the queue it belongs to and when it becomes available.
// Getting a message marks it delivered; acknowledging or rejecting deletes the row. A delivered
// row that is never settled becomes available again after the redeliver timeout.
package sqlqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/serialization"
)

// Transport implements messaging.Transport on a database table
type Transport struct {
	db         *sql.DB
	dialect    Dialect
	options    Options
	serializer serialization.Serializer
	logger     *slog.Logger
	now        func() time.Time
	ownsDB     bool

	setupOnce sync.Once
	setupErr  error
}

// Option configures the Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		t.now = now
	}
}

// New creates a transport on an open database
func New(db *sql.DB, dialect Dialect, options Options, serializer serialization.Serializer, opts ...Option) (*Transport, error) {
	if db == nil {
		return nil, errors.New("sql transport needs a database")
	}
	if !identifier.MatchString(options.TableName) {
		return nil, fmt.Errorf("invalid table name %q", options.TableName)
	}
	if options.QueueName == "" {
		return nil, errors.New("sql transport needs a queue name")
	}

	t := &Transport{
		db:         db,
		dialect:    dialect,
		options:    options,
		serializer: serializer,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.serializer == nil {
		t.serializer = serialization.NewJSONSerializer()
	}
	return t, nil
}

// Open connects to the database named by a postgres:// or sqlite:// DSN
func Open(dsn string, serializer serialization.Serializer, opts ...Option) (*Transport, error) {
	dialect, driverDSN, options, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.Driver, driverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name, err)
	}
	if dialect.Name == SQLite.Name {
		// one writer at a time; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	}

	t, err := New(db, dialect, options, serializer, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	t.ownsDB = true
	return t, nil
}

// Setup implements messaging.SetupableTransport
func (t *Transport) Setup(ctx context.Context) error {
	for _, stmt := range t.dialect.schema(t.options.TableName) {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set up table %s: %w", t.options.TableName, err)
		}
	}
	return nil
}

func (t *Transport) autoSetup(ctx context.Context) error {
	if !t.options.AutoSetup {
		return nil
	}
	t.setupOnce.Do(func() {
		t.setupErr = t.Setup(ctx)
	})
	return t.setupErr
}

func (t *Transport) q(query string) string {
	return t.dialect.rebind(strings.ReplaceAll(query, "{table}", t.options.TableName))
}

// Send implements messaging.Sender
func (t *Transport) Send(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	if err := t.autoSetup(ctx); err != nil {
		return env, err
	}

	enc, err := t.serializer.Encode(env)
	if err != nil {
		return env, err
	}
	headers, err := json.Marshal(enc.Headers)
	if err != nil {
		return env, err
	}

	now := t.now()
	available := now
	if delay, ok := contracts.Last[contracts.DelayStamp](env); ok && delay.Delay > 0 {
		available = now.Add(delay.Delay)
	}

	args := []any{enc.Body, string(headers), t.options.QueueName, now.UnixMilli(), available.UnixMilli()}
	insert := `INSERT INTO {table} (body, headers, queue_name, created_at, available_at) VALUES (?, ?, ?, ?, ?)`

	var id int64
	if t.dialect.numbered {
		err = t.db.QueryRowContext(ctx, t.q(insert+` RETURNING id`), args...).Scan(&id)
	} else {
		var res sql.Result
		if res, err = t.db.ExecContext(ctx, t.q(insert), args...); err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		return env, fmt.Errorf("failed to insert message: %w", err)
	}

	return env.With(contracts.TransportMessageIDStamp{ID: strconv.FormatInt(id, 10)}), nil
}

// Get implements messaging.Receiver; it returns at most one envelope from the configured queue
func (t *Transport) Get(ctx context.Context) ([]*contracts.Envelope, error) {
	return t.GetFromQueues(ctx, []string{t.options.QueueName})
}

// GetFromQueues implements messaging.QueueReceiver
func (t *Transport) GetFromQueues(ctx context.Context, queues []string) ([]*contracts.Envelope, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	if err := t.autoSetup(ctx); err != nil {
		return nil, err
	}

	env, err := t.fetch(ctx, queues)
	if err != nil || env == nil {
		return nil, err
	}
	return []*contracts.Envelope{env}, nil
}

type row struct {
	id      int64
	body    []byte
	headers string
}

func (t *Transport) fetch(ctx context.Context, queues []string) (*contracts.Envelope, error) {
	now := t.now().UnixMilli()
	redeliverBefore := now - t.options.RedeliverTimeout.Milliseconds()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(queues)), ", ")
	args := []any{redeliverBefore, now}
	for _, q := range queues {
		args = append(args, q)
	}

	var r row
	err = tx.QueryRowContext(ctx, t.q(`SELECT id, body, headers FROM {table}
		WHERE (delivered_at IS NULL OR delivered_at < ?) AND available_at <= ? AND queue_name IN (`+placeholders+`)
		ORDER BY available_at ASC, id ASC
		LIMIT 1`+t.dialect.lockClause), args...).Scan(&r.id, &r.body, &r.headers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}

	res, err := tx.ExecContext(ctx, t.q(`UPDATE {table} SET delivered_at = ? WHERE id = ? AND (delivered_at IS NULL OR delivered_at < ?)`),
		now, r.id, redeliverBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to mark message %d delivered: %w", r.id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// another worker took it
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	env, err := t.decode(r)
	if err != nil {
		t.logger.Error("rejecting undecodable message", "table", t.options.TableName, "id", r.id, "error", err)
		_ = t.delete(ctx, strconv.FormatInt(r.id, 10))
		return nil, err
	}
	return env, nil
}

func (t *Transport) decode(r row) (*contracts.Envelope, error) {
	var headers map[string]string
	if err := json.Unmarshal([]byte(r.headers), &headers); err != nil {
		return nil, &serialization.DecodeError{Err: err}
	}
	env, err := t.serializer.Decode(&serialization.Encoded{Body: r.body, Headers: headers})
	if err != nil {
		return nil, err
	}
	return env.With(contracts.TransportMessageIDStamp{ID: strconv.FormatInt(r.id, 10)}), nil
}

// Ack implements messaging.Receiver
func (t *Transport) Ack(ctx context.Context, env *contracts.Envelope) error {
	return t.delete(ctx, messaging.MessageID(env))
}

// Reject implements messaging.Receiver
func (t *Transport) Reject(ctx context.Context, env *contracts.Envelope) error {
	return t.delete(ctx, messaging.MessageID(env))
}

func (t *Transport) delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("envelope was not received from the database")
	}
	if _, err := t.db.ExecContext(ctx, t.q(`DELETE FROM {table} WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// All implements messaging.ListableReceiver; limit <= 0 lists everything in the queue
func (t *Transport) All(ctx context.Context, limit int) ([]*contracts.Envelope, error) {
	if err := t.autoSetup(ctx); err != nil {
		return nil, err
	}

	query := `SELECT id, body, headers FROM {table} WHERE queue_name = ? ORDER BY available_at ASC, id ASC`
	args := []any{t.options.QueueName}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.db.QueryContext(ctx, t.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var envelopes []*contracts.Envelope
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.body, &r.headers); err != nil {
			return nil, err
		}
		env, err := t.decode(r)
		if err != nil {
			t.logger.Warn("skipping undecodable message", "table", t.options.TableName, "id", r.id, "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, rows.Err()
}

// Find implements messaging.ListableReceiver
func (t *Transport) Find(ctx context.Context, id string) (*contracts.Envelope, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, messaging.ErrMessageNotFound
	}
	if err := t.autoSetup(ctx); err != nil {
		return nil, err
	}

	r := row{}
	err = t.db.QueryRowContext(ctx, t.q(`SELECT id, body, headers FROM {table} WHERE id = ? AND queue_name = ?`), n, t.options.QueueName).
		Scan(&r.id, &r.body, &r.headers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, messaging.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return t.decode(r)
}

// MessageCount implements messaging.MessageCountAware; it counts messages available now
func (t *Transport) MessageCount(ctx context.Context) (int, error) {
	if err := t.autoSetup(ctx); err != nil {
		return 0, err
	}

	now := t.now().UnixMilli()
	var count int
	err := t.db.QueryRowContext(ctx, t.q(`SELECT COUNT(*) FROM {table}
		WHERE (delivered_at IS NULL OR delivered_at < ?) AND available_at <= ? AND queue_name = ?`),
		now-t.options.RedeliverTimeout.Milliseconds(), now, t.options.QueueName).Scan(&count)
	return count, err
}

// Close closes the database when the transport opened it
func (t *Transport) Close() error {
	if !t.ownsDB {
		return nil
	}
	return t.db.Close()
}

var (
	_ messaging.QueueReceiver      = (*Transport)(nil)
	_ messaging.ListableReceiver   = (*Transport)(nil)
	_ messaging.Sender             = (*Transport)(nil)
	_ messaging.MessageCountAware  = (*Transport)(nil)
	_ messaging.SetupableTransport = (*Transport)(nil)
)
