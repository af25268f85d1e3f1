// Package db provides PAW's SQLite persistence: conversations and
// messages, long-term key-value memory, channel session routing,
// poll offsets, dedupe keys, pairing, and cron job definitions.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database handle.
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tool_calls TEXT,
	tool_call_id TEXT,
	timestamp TIMESTAMP NOT NULL,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);

CREATE TABLE IF NOT EXISTS memory (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_sessions (
	channel TEXT NOT NULL,
	session_key TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (channel, session_key)
);

CREATE TABLE IF NOT EXISTS channel_session_modes (
	channel TEXT NOT NULL,
	session_key TEXT NOT NULL,
	mode TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (channel, session_key)
);

CREATE TABLE IF NOT EXISTS channel_offsets (
	channel TEXT PRIMARY KEY,
	last_update_id INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_dedupe (
	channel TEXT NOT NULL,
	key TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (channel, key)
);
CREATE INDEX IF NOT EXISTS idx_channel_dedupe_created ON channel_dedupe(created_at);

CREATE TABLE IF NOT EXISTS channel_runtime (
	channel TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	running INTEGER NOT NULL,
	last_error TEXT,
	last_inbound_at TEXT,
	last_outbound_at TEXT,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_pairing_codes (
	channel TEXT NOT NULL,
	code TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	used_by TEXT,
	used_at TIMESTAMP,
	PRIMARY KEY (channel, code)
);

CREATE TABLE IF NOT EXISTS channel_pairings (
	channel TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (channel, sender_id)
);

CREATE TABLE IF NOT EXISTS cron_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL,
	schedule TEXT NOT NULL,
	prompt TEXT NOT NULL,
	output_target TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	last_run_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cron_jobs_enabled ON cron_jobs(enabled);
`

// Open opens (creating if necessary) the PAW database at path and runs
// migrations. The caller owns the handle and must Close it.
func Open(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &DB{db: handle}
	if err := d.migrate(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// ConversationRow is a persisted conversation header.
type ConversationRow struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// MessageRow is a persisted message. ToolCalls holds the tool call list
// serialized as JSON text, empty when the message declared none.
type MessageRow struct {
	Role       string
	Content    string
	ToolCalls  string
	ToolCallID string
	Timestamp  time.Time
}

// SaveConversation upserts the conversation header and replaces its
// messages wholesale. Message replacement keeps the write path simple;
// conversations are small enough that per-message deltas are not worth
// the bookkeeping.
func (d *DB) SaveConversation(conv ConversationRow, messages []MessageRow) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title
	`, conv.ID, conv.Title, conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err = tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for _, m := range messages {
		var toolCalls, toolCallID any
		if m.ToolCalls != "" {
			toolCalls = m.ToolCalls
		}
		if m.ToolCallID != "" {
			toolCallID = m.ToolCallID
		}
		_, err = tx.Exec(`
			INSERT INTO messages (conversation_id, role, content, tool_calls, tool_call_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, conv.ID, m.Role, m.Content, toolCalls, toolCallID, m.Timestamp)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

// ListConversations returns all conversation headers, newest first.
func (d *DB) ListConversations() ([]ConversationRow, error) {
	rows, err := d.db.Query(`SELECT id, COALESCE(title, ''), created_at FROM conversations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []ConversationRow
	for rows.Next() {
		var c ConversationRow
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// LoadMessages returns all messages for a conversation in chronological order.
func (d *DB) LoadMessages(conversationID string) ([]MessageRow, error) {
	rows, err := d.db.Query(`
		SELECT role, content, tool_calls, tool_call_id, timestamp
		FROM messages WHERE conversation_id = ?
		ORDER BY timestamp ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []MessageRow
	for rows.Next() {
		var m MessageRow
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID, &m.Timestamp); err != nil {
			return nil, err
		}
		m.ToolCalls = toolCalls.String
		m.ToolCallID = toolCallID.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteConversation removes a conversation and its messages. Returns
// true when a conversation row was actually deleted.
func (d *DB) DeleteConversation(id string) (bool, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return false, err
	}
	res, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, tx.Commit()
}

// MemorySet stores or replaces a long-term memory value.
func (d *DB) MemorySet(key, value string) error {
	now := time.Now().UTC()
	_, err := d.db.Exec(`
		INSERT INTO memory (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now, now)
	return err
}

// MemoryGet returns the value for key, with ok=false when absent.
func (d *DB) MemoryGet(key string) (string, bool, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM memory WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// MemoryDelete removes a memory key. Returns true when a row was deleted.
func (d *DB) MemoryDelete(key string) (bool, error) {
	res, err := d.db.Exec(`DELETE FROM memory WHERE key = ?`, key)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MemoryAll returns all memory entries, ordered by key.
func (d *DB) MemoryAll() (map[string]string, error) {
	rows, err := d.db.Query(`SELECT key, value FROM memory ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		all[k] = v
	}
	return all, rows.Err()
}

// ChannelSessionGet returns the conversation id mapped to the given
// channel session, or "" when no mapping exists.
func (d *DB) ChannelSessionGet(channel, sessionKey string) (string, error) {
	var id string
	err := d.db.QueryRow(`
		SELECT conversation_id FROM channel_sessions WHERE channel = ? AND session_key = ?
	`, channel, sessionKey).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// ChannelSessionSet records a session mapping. First writer wins: an
// existing mapping is never overwritten, preserving idempotent session
// resolution across concurrent resolvers.
func (d *DB) ChannelSessionSet(channel, sessionKey, conversationID string) error {
	_, err := d.db.Exec(`
		INSERT INTO channel_sessions (channel, session_key, conversation_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel, session_key) DO NOTHING
	`, channel, sessionKey, conversationID, time.Now().UTC())
	return err
}

// ChannelSessionModeGet returns the selected completion mode for a
// session ("regular" or "smart"), or "" when unset.
func (d *DB) ChannelSessionModeGet(channel, sessionKey string) (string, error) {
	var mode string
	err := d.db.QueryRow(`
		SELECT mode FROM channel_session_modes WHERE channel = ? AND session_key = ?
	`, channel, sessionKey).Scan(&mode)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return mode, err
}

// ChannelSessionModeSet stores the selected completion mode for a session.
func (d *DB) ChannelSessionModeSet(channel, sessionKey, mode string) error {
	_, err := d.db.Exec(`
		INSERT INTO channel_session_modes (channel, session_key, mode, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel, session_key) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at
	`, channel, sessionKey, mode, time.Now().UTC())
	return err
}

// ChannelOffsetGet returns the stored poll offset for a channel, with
// ok=false when none has been recorded yet.
func (d *DB) ChannelOffsetGet(channel string) (int64, bool, error) {
	var offset int64
	err := d.db.QueryRow(`SELECT last_update_id FROM channel_offsets WHERE channel = ?`, channel).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return offset, true, nil
}

// ChannelOffsetSet stores the poll offset for a channel.
func (d *DB) ChannelOffsetSet(channel string, offset int64) error {
	_, err := d.db.Exec(`
		INSERT INTO channel_offsets (channel, last_update_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET last_update_id = excluded.last_update_id, updated_at = excluded.updated_at
	`, channel, offset, time.Now().UTC())
	return err
}

// ChannelDedupeExists reports whether a dedupe key has been seen.
func (d *DB) ChannelDedupeExists(channel, key string) (bool, error) {
	var one int
	err := d.db.QueryRow(`SELECT 1 FROM channel_dedupe WHERE channel = ? AND key = ?`, channel, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ChannelDedupeAdd records a dedupe key. Duplicate adds are no-ops.
func (d *DB) ChannelDedupeAdd(channel, key string) error {
	_, err := d.db.Exec(`
		INSERT INTO channel_dedupe (channel, key, created_at) VALUES (?, ?, ?)
		ON CONFLICT(channel, key) DO NOTHING
	`, channel, key, time.Now().UTC())
	return err
}

// ChannelDedupePrune keeps the most recent keepLast dedupe keys for a
// channel and deletes the rest.
func (d *DB) ChannelDedupePrune(channel string, keepLast int) error {
	_, err := d.db.Exec(`
		DELETE FROM channel_dedupe
		WHERE channel = ? AND key NOT IN (
			SELECT key FROM channel_dedupe WHERE channel = ?
			ORDER BY created_at DESC LIMIT ?
		)
	`, channel, channel, keepLast)
	return err
}

// RuntimeStatus is a persisted channel runtime snapshot.
type RuntimeStatus struct {
	Channel        string
	Mode           string
	Running        bool
	LastError      string
	LastInboundAt  string
	LastOutboundAt string
}

// ChannelRuntimeUpsert persists the runtime status of a channel.
func (d *DB) ChannelRuntimeUpsert(st RuntimeStatus) error {
	running := 0
	if st.Running {
		running = 1
	}
	_, err := d.db.Exec(`
		INSERT INTO channel_runtime (channel, mode, running, last_error, last_inbound_at, last_outbound_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			mode = excluded.mode,
			running = excluded.running,
			last_error = excluded.last_error,
			last_inbound_at = excluded.last_inbound_at,
			last_outbound_at = excluded.last_outbound_at,
			updated_at = excluded.updated_at
	`, st.Channel, st.Mode, running, st.LastError, st.LastInboundAt, st.LastOutboundAt, time.Now().UTC())
	return err
}

// PairingCodeAdd records a fresh single-use pairing code.
func (d *DB) PairingCodeAdd(channel, code string, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := d.db.Exec(`
		INSERT INTO channel_pairing_codes (channel, code, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, channel, code, now, now.Add(ttl))
	return err
}

// PairingClaim attempts to claim a pairing code for a sender. Returns
// true only when the code exists, is unexpired, and has not been used.
// On success the sender is recorded as paired.
func (d *DB) PairingClaim(channel, code, senderID string) (bool, error) {
	var expiresAt time.Time
	var usedBy sql.NullString
	err := d.db.QueryRow(`
		SELECT expires_at, used_by FROM channel_pairing_codes WHERE channel = ? AND code = ?
	`, channel, code).Scan(&expiresAt, &usedBy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if usedBy.Valid || time.Now().UTC().After(expiresAt) {
		return false, nil
	}

	now := time.Now().UTC()
	res, err := d.db.Exec(`
		UPDATE channel_pairing_codes SET used_by = ?, used_at = ?
		WHERE channel = ? AND code = ? AND used_by IS NULL
	`, senderID, now, channel, code)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	_, err = d.db.Exec(`
		INSERT INTO channel_pairings (channel, sender_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(channel, sender_id) DO NOTHING
	`, channel, senderID, now)
	return err == nil, err
}

// PairingAllowed reports whether a sender has claimed a pairing code.
func (d *DB) PairingAllowed(channel, senderID string) (bool, error) {
	var one int
	err := d.db.QueryRow(`SELECT 1 FROM channel_pairings WHERE channel = ? AND sender_id = ?`, channel, senderID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// CronJob is a persisted cron automation entry.
type CronJob struct {
	ID           int64
	Label        string
	Schedule     string
	Prompt       string
	OutputTarget string
	Enabled      bool
	LastRunAt    *time.Time
	CreatedAt    time.Time
}

// CronAdd inserts a cron job and returns its id.
func (d *DB) CronAdd(label, schedule, prompt, outputTarget string) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO cron_jobs (label, schedule, prompt, output_target, enabled, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`, label, schedule, prompt, outputTarget, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CronList returns all cron jobs ordered by id.
func (d *DB) CronList() ([]CronJob, error) {
	rows, err := d.db.Query(`
		SELECT id, label, schedule, prompt, COALESCE(output_target, ''), enabled, last_run_at, created_at
		FROM cron_jobs ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []CronJob
	for rows.Next() {
		var j CronJob
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.Label, &j.Schedule, &j.Prompt, &j.OutputTarget, &enabled, &lastRun, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		if lastRun.Valid {
			t := lastRun.Time
			j.LastRunAt = &t
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CronRemove deletes a cron job. Returns true when a row was deleted.
func (d *DB) CronRemove(id int64) (bool, error) {
	res, err := d.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CronMarkRun updates a cron job's last-run timestamp.
func (d *DB) CronMarkRun(id int64) error {
	_, err := d.db.Exec(`UPDATE cron_jobs SET last_run_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}
