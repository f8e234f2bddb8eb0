// Package sqlitestore is a chatsync.Store backed by a SQLite database file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync"
)

// Options configures a Store.
type Options struct {
	Logger *zerolog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
}

// Store persists the message cache and the outbox in SQLite. It is safe
// for concurrent use.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

var _ chatsync.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, opts Options) (*Store, error) {
	opts.defaults()
	db, err := sqlx.Connect("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; a single connection serializes access
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: opts.Logger.With().Str("component", "sqlitestore").Logger()}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	s.log.Debug().Str("path", path).Msg("Store opened")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`create table if not exists messages (
			key             text not null primary key,
			id              text not null default '',
			provisional_id  text not null default '',
			conversation_id text not null,
			sender_id       text not null default '',
			sender_name     text not null default '',
			kind            text not null default '',
			content         text not null default '',
			metadata        blob null,
			created_at      integer null,
			status          text not null default ''
		)`,
		`create index if not exists messages_conversation on messages (conversation_id, created_at)`,
		`create table if not exists retired (
			provisional_id text not null primary key,
			server_id      text not null
		)`,
		`create table if not exists outbox (
			id            text not null primary key,
			seq           integer not null,
			message       blob not null,
			retry_count   integer not null default 0,
			last_error    text not null default '',
			next_retry_at integer null,
			rejected      boolean not null default 0,
			created_at    integer null
		)`,
		`create table if not exists counters (
			name  text not null primary key,
			value integer not null
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

type messageRow struct {
	Key            string        `db:"key"`
	ID             string        `db:"id"`
	ProvisionalID  string        `db:"provisional_id"`
	ConversationID string        `db:"conversation_id"`
	SenderID       string        `db:"sender_id"`
	SenderName     string        `db:"sender_name"`
	Kind           string        `db:"kind"`
	Content        string        `db:"content"`
	Metadata       []byte        `db:"metadata"`
	CreatedAt      sql.NullInt64 `db:"created_at"`
	Status         string        `db:"status"`
}

func toMessageRow(msg chatsync.Message) (messageRow, error) {
	row := messageRow{
		Key:            msg.Key(),
		ID:             msg.ID,
		ProvisionalID:  msg.ProvisionalID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Kind:           msg.Kind,
		Content:        msg.Content,
		CreatedAt:      toNanos(msg.CreatedAt),
		Status:         string(msg.Status),
	}
	if msg.Metadata != nil {
		md, err := marshal(msg.Metadata)
		if err != nil {
			return messageRow{}, fmt.Errorf("encoding metadata: %w", err)
		}
		row.Metadata = md
	}
	return row, nil
}

func (r messageRow) message() (chatsync.Message, error) {
	msg := chatsync.Message{
		ID:             r.ID,
		ProvisionalID:  r.ProvisionalID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
		Kind:           r.Kind,
		Content:        r.Content,
		CreatedAt:      fromNanos(r.CreatedAt),
		Status:         chatsync.SendStatus(r.Status),
	}
	if len(r.Metadata) > 0 {
		if err := unmarshal(r.Metadata, &msg.Metadata); err != nil {
			return chatsync.Message{}, fmt.Errorf("decoding metadata of %s: %w", r.Key, err)
		}
	}
	return msg, nil
}

// SaveMessage upserts msg. A confirmed message replaces and retires its
// provisional row; a provisional message that was already retired is
// ignored.
func (s *Store) SaveMessage(ctx context.Context, msg chatsync.Message) error {
	row, err := toMessageRow(msg)
	if err != nil {
		return err
	}
	if row.Key == "" {
		return fmt.Errorf("save message: no id")
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if !msg.Confirmed() {
			var n int
			if err := tx.GetContext(ctx, &n, `select count(*) from retired where provisional_id = ?`, msg.ProvisionalID); err != nil {
				return fmt.Errorf("checking retired ids: %w", err)
			}
			if n > 0 {
				return nil
			}
		} else if msg.ProvisionalID != "" {
			if _, err := tx.ExecContext(ctx, `delete from messages where key = ?`, msg.ProvisionalID); err != nil {
				return fmt.Errorf("deleting provisional row: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `insert or replace into retired (provisional_id, server_id) values (?, ?)`,
				msg.ProvisionalID, msg.ID); err != nil {
				return fmt.Errorf("retiring provisional id: %w", err)
			}
		}

		_, err := tx.NamedExecContext(ctx, `insert or replace into messages
			(key, id, provisional_id, conversation_id, sender_id, sender_name, kind, content, metadata, created_at, status)
			values (:key, :id, :provisional_id, :conversation_id, :sender_id, :sender_name, :kind, :content, :metadata, :created_at, :status)`, row)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
}

func (s *Store) FetchMessages(ctx context.Context, conversationID string, limit int) ([]chatsync.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `select * from messages
		where conversation_id = ?
		order by created_at desc, key desc
		limit ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	msgs, err := toMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SearchMessages does a case-insensitive substring match on content,
// optionally scoped to one conversation.
func (s *Store) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]chatsync.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	where := []string{`content like ? escape '\'`}
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		where = append(where, `conversation_id = ?`)
		args = append(args, conversationID)
	}
	args = append(args, limit)

	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `select * from messages
		where `+strings.Join(where, " and ")+`
		order by created_at, key
		limit ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return toMessages(rows)
}

func toMessages(rows []messageRow) ([]chatsync.Message, error) {
	msgs := make([]chatsync.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ============================================================================
// Outbox
// ============================================================================

type outboxRow struct {
	ID          string        `db:"id"`
	Seq         int64         `db:"seq"`
	Message     []byte        `db:"message"`
	RetryCount  int           `db:"retry_count"`
	LastError   string        `db:"last_error"`
	NextRetryAt sql.NullInt64 `db:"next_retry_at"`
	Rejected    bool          `db:"rejected"`
	CreatedAt   sql.NullInt64 `db:"created_at"`
}

func toOutboxRow(e chatsync.OutboxEntry) (outboxRow, error) {
	msg, err := marshal(e.Message)
	if err != nil {
		return outboxRow{}, fmt.Errorf("encoding outbox message: %w", err)
	}
	return outboxRow{
		ID:          e.ID,
		Seq:         e.Seq,
		Message:     msg,
		RetryCount:  e.RetryCount,
		LastError:   e.LastError,
		NextRetryAt: toNanos(e.NextRetryAt),
		Rejected:    e.Rejected,
		CreatedAt:   toNanos(e.CreatedAt),
	}, nil
}

func (r outboxRow) entry() (chatsync.OutboxEntry, error) {
	e := chatsync.OutboxEntry{
		ID:          r.ID,
		Seq:         r.Seq,
		RetryCount:  r.RetryCount,
		LastError:   r.LastError,
		NextRetryAt: fromNanos(r.NextRetryAt),
		Rejected:    r.Rejected,
		CreatedAt:   fromNanos(r.CreatedAt),
	}
	if err := unmarshal(r.Message, &e.Message); err != nil {
		return chatsync.OutboxEntry{}, fmt.Errorf("decoding outbox entry %s: %w", r.ID, err)
	}
	return e, nil
}

func (s *Store) AddToOutbox(ctx context.Context, entry chatsync.OutboxEntry) (chatsync.OutboxEntry, error) {
	if entry.ID == "" {
		return chatsync.OutboxEntry{}, fmt.Errorf("add to outbox: no id")
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		entry.Seq = seq
		row, err := toOutboxRow(entry)
		if err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `insert into outbox
			(id, seq, message, retry_count, last_error, next_retry_at, rejected, created_at)
			values (:id, :seq, :message, :retry_count, :last_error, :next_retry_at, :rejected, :created_at)`, row)
		if err != nil {
			return fmt.Errorf("inserting outbox entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return chatsync.OutboxEntry{}, err
	}
	return entry, nil
}

func (s *Store) FetchOutbox(ctx context.Context) ([]chatsync.OutboxEntry, error) {
	var rows []outboxRow
	if err := s.db.SelectContext(ctx, &rows, `select * from outbox order by seq`); err != nil {
		return nil, fmt.Errorf("fetching outbox: %w", err)
	}
	entries := make([]chatsync.OutboxEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) RemoveFromOutbox(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `delete from outbox where id = ?`, id); err != nil {
		return fmt.Errorf("removing outbox entry: %w", err)
	}
	return nil
}

func (s *Store) UpdateOutboxRetry(ctx context.Context, id, lastError string, nextRetryAt time.Time) error {
	return s.updateOutbox(ctx, id, func(_ *sqlx.Tx, e *chatsync.OutboxEntry) error {
		e.RetryCount++
		e.LastError = lastError
		e.NextRetryAt = nextRetryAt
		return nil
	})
}

func (s *Store) MarkOutboxRejected(ctx context.Context, id, reason string) error {
	return s.updateOutbox(ctx, id, func(_ *sqlx.Tx, e *chatsync.OutboxEntry) error {
		e.Rejected = true
		e.LastError = reason
		e.Message.Status = chatsync.StatusFailed
		return nil
	})
}

func (s *Store) RequeueOutbox(ctx context.Context, id string) error {
	return s.updateOutbox(ctx, id, func(tx *sqlx.Tx, e *chatsync.OutboxEntry) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		e.Seq = seq
		e.Rejected = false
		e.RetryCount = 0
		e.LastError = ""
		e.NextRetryAt = time.Time{}
		e.Message.Status = chatsync.StatusPending
		return nil
	})
}

func (s *Store) updateOutbox(ctx context.Context, id string, fn func(*sqlx.Tx, *chatsync.OutboxEntry) error) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row outboxRow
		if err := tx.GetContext(ctx, &row, `select * from outbox where id = ?`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("outbox %s: %w", id, chatsync.ErrNotFound)
			}
			return fmt.Errorf("reading outbox entry: %w", err)
		}
		e, err := row.entry()
		if err != nil {
			return err
		}
		if err := fn(tx, &e); err != nil {
			return err
		}
		row, err = toOutboxRow(e)
		if err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `update outbox set
			seq = :seq, message = :message, retry_count = :retry_count, last_error = :last_error,
			next_retry_at = :next_retry_at, rejected = :rejected
			where id = :id`, row)
		if err != nil {
			return fmt.Errorf("updating outbox entry: %w", err)
		}
		return nil
	})
}

// nextSeq hands out outbox sequence numbers. They never repeat, even after
// the entry holding the highest one is removed.
func nextSeq(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	_, err := tx.ExecContext(ctx, `insert into counters (name, value) values ('outbox_seq', 1)
		on conflict (name) do update set value = value + 1`)
	if err != nil {
		return 0, fmt.Errorf("advancing outbox sequence: %w", err)
	}
	var seq int64
	if err := tx.GetContext(ctx, &seq, `select value from counters where name = 'outbox_seq'`); err != nil {
		return 0, fmt.Errorf("reading outbox sequence: %w", err)
	}
	return seq, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Times are stored as Unix nanoseconds; the zero time is NULL.
func toNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}
