package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/events"
)

// Client event kinds stored in client_events.
const (
	ClientJoined       = "joined"
	ClientLeft         = "left"
	ClientDisconnected = "disconnected"
)

// HistoryStore records what happened in each session: client joins and
// departures, periodic counter samples, CRC desyncs and monitor alerts.
type HistoryStore struct {
	db *Database
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	MaxClients int        `json:"max_clients"`
	FixedRate  int        `json:"fixed_rate_ms"`
}

// ClientEvent is one client lifecycle record.
type ClientEvent struct {
	ID        int       `json:"id"`
	SessionID string    `json:"session_id"`
	Slot      int       `json:"slot"`
	Name      string    `json:"name"`
	Remote    string    `json:"remote,omitempty"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sample is a stored stats sample with its per-client rows.
type Sample struct {
	ID        int                   `json:"id"`
	SessionID string                `json:"session_id"`
	SampledAt time.Time             `json:"sampled_at"`
	Clients   int                   `json:"clnu"`
	OutCount  int                   `json:"ocnt"`
	OutValid  bool                  `json:"ocnt_valid"`
	NoInput   bool                  `json:"ninp"`
	Rows      []events.ClientSample `json:"clients"`
}

// Desync is a stored failed CRC vote.
type Desync struct {
	ID        int       `json:"id"`
	SessionID string    `json:"session_id"`
	Best      uint32    `json:"best"`
	Tied      bool      `json:"tied"`
	Passed    []int     `json:"passed"`
	Failed    []int     `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert represents an alert record.
type Alert struct {
	ID        int       `json:"id"`
	SessionID string    `json:"session_id"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Events    int       `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

// NewHistoryStore creates the history tables in database.
func NewHistoryStore(database *Database) (*HistoryStore, error) {
	h := &HistoryStore{db: database}
	if err := h.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate history tables: %w", err)
	}
	return h, nil
}

func (h *HistoryStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			max_clients INTEGER NOT NULL,
			fixed_rate_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS client_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			slot INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			remote TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS stat_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			sampled_at DATETIME NOT NULL,
			clients INTEGER NOT NULL,
			out_count INTEGER NOT NULL,
			out_valid INTEGER NOT NULL,
			no_input INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS client_samples (
			sample_id INTEGER NOT NULL,
			slot INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			drop_count INTEGER NOT NULL,
			in_count INTEGER NOT NULL,
			valid INTEGER NOT NULL,
			late INTEGER NOT NULL,
			ping INTEGER NOT NULL,
			PRIMARY KEY (sample_id, slot),
			FOREIGN KEY (sample_id) REFERENCES stat_samples(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS desyncs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			best INTEGER NOT NULL,
			tied INTEGER NOT NULL,
			passed TEXT NOT NULL,
			failed TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			events INTEGER NOT NULL DEFAULT 0,
			acknowledged INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_client_events_session ON client_events(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_stat_samples_session ON stat_samples(session_id, sampled_at);
		CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged);
	`

	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("history schema migrated")
	return nil
}

// StartSession records a new session.
func (h *HistoryStore) StartSession(id string, maxClients int, rate time.Duration, at time.Time) error {
	_, err := h.db.Exec(
		"INSERT OR REPLACE INTO sessions (id, started_at, max_clients, fixed_rate_ms) VALUES (?, ?, ?, ?)",
		id, at.UTC(), maxClients, rate.Milliseconds())
	return err
}

// EndSession stamps the end time of a session.
func (h *HistoryStore) EndSession(id string, at time.Time) error {
	_, err := h.db.Exec("UPDATE sessions SET ended_at = ? WHERE id = ?", at.UTC(), id)
	return err
}

// Sessions returns the most recent sessions, newest first.
func (h *HistoryStore) Sessions(limit int) ([]SessionRecord, error) {
	rows, err := h.db.Query(`
		SELECT id, started_at, ended_at, max_clients, fixed_rate_ms
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.StartedAt, &ended, &r.MaxClients, &r.FixedRate); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordClientEvent stores a client lifecycle record.
func (h *HistoryStore) RecordClientEvent(e ClientEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := h.db.Exec(`
		INSERT INTO client_events (session_id, slot, name, remote, kind, reason, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.Slot, e.Name, e.Remote, e.Kind, e.Reason, e.Detail, e.CreatedAt.UTC())
	return err
}

// ClientEvents returns the latest client records of a session, newest first.
func (h *HistoryStore) ClientEvents(sessionID string, limit int) ([]ClientEvent, error) {
	rows, err := h.db.Query(`
		SELECT id, session_id, slot, name, remote, kind, reason, detail, created_at
		FROM client_events WHERE session_id = ?
		ORDER BY id DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClientEvent
	for rows.Next() {
		var e ClientEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Slot, &e.Name, &e.Remote,
			&e.Kind, &e.Reason, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordSample stores a stats sample and its per-client rows.
func (h *HistoryStore) RecordSample(p events.StatsSamplePayload) error {
	return h.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO stat_samples (session_id, sampled_at, clients, out_count, out_valid, no_input)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.SessionID, p.Time.UTC(), p.ClientCount, p.OutCount, p.OutValid, p.NoInput)
		if err != nil {
			return err
		}
		sampleID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for _, c := range p.Clients {
			if _, err := tx.Exec(`
				INSERT INTO client_samples (sample_id, slot, name, drop_count, in_count, valid, late, ping)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, sampleID, c.Index, c.Name, c.Drop, c.InCount, c.Valid, c.Late, c.Ping); err != nil {
				return err
			}
		}
		return nil
	})
}

// Samples returns samples of a session taken at or after since, oldest
// first, capped at limit.
func (h *HistoryStore) Samples(sessionID string, since time.Time, limit int) ([]Sample, error) {
	rows, err := h.db.Query(`
		SELECT id, session_id, sampled_at, clients, out_count, out_valid, no_input
		FROM stat_samples
		WHERE session_id = ? AND sampled_at >= ?
		ORDER BY sampled_at LIMIT ?
	`, sessionID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}

	var samples []Sample
	index := make(map[int]int)
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.ID, &s.SessionID, &s.SampledAt, &s.Clients,
			&s.OutCount, &s.OutValid, &s.NoInput); err != nil {
			rows.Close()
			return nil, err
		}
		index[s.ID] = len(samples)
		samples = append(samples, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return samples, nil
	}

	// the pool holds one connection, so client rows load after the first
	// result set is closed
	clientRows, err := h.db.Query(`
		SELECT sample_id, slot, name, drop_count, in_count, valid, late, ping
		FROM client_samples
		WHERE sample_id BETWEEN ? AND ?
		ORDER BY sample_id, slot
	`, samples[0].ID, samples[len(samples)-1].ID)
	if err != nil {
		return nil, err
	}
	defer clientRows.Close()

	for clientRows.Next() {
		var sampleID int
		var c events.ClientSample
		if err := clientRows.Scan(&sampleID, &c.Index, &c.Name, &c.Drop,
			&c.InCount, &c.Valid, &c.Late, &c.Ping); err != nil {
			return nil, err
		}
		if i, ok := index[sampleID]; ok {
			samples[i].Rows = append(samples[i].Rows, c)
		}
	}
	return samples, clientRows.Err()
}

// RecordDesync stores a failed CRC vote.
func (h *HistoryStore) RecordDesync(sessionID string, p events.CRCResultPayload, at time.Time) error {
	passed, err := json.Marshal(p.Passed)
	if err != nil {
		return err
	}
	failed, err := json.Marshal(p.Failed)
	if err != nil {
		return err
	}
	_, err = h.db.Exec(`
		INSERT INTO desyncs (session_id, best, tied, passed, failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, int64(p.Best), p.Tied, string(passed), string(failed), at.UTC())
	return err
}

// Desyncs returns the latest desyncs of a session, newest first.
func (h *HistoryStore) Desyncs(sessionID string, limit int) ([]Desync, error) {
	rows, err := h.db.Query(`
		SELECT id, session_id, best, tied, passed, failed, created_at
		FROM desyncs WHERE session_id = ?
		ORDER BY id DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Desync
	for rows.Next() {
		var d Desync
		var best int64
		var passed, failed string
		if err := rows.Scan(&d.ID, &d.SessionID, &best, &d.Tied, &passed, &failed, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Best = uint32(best)
		json.Unmarshal([]byte(passed), &d.Passed)
		json.Unmarshal([]byte(failed), &d.Failed)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateAlert creates a new alert record.
func (h *HistoryStore) CreateAlert(sessionID string, p events.AlertPayload, at time.Time) error {
	_, err := h.db.Exec(`
		INSERT INTO alerts (session_id, level, source, message, events, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, p.Level, p.Source, p.Message, p.Events, at.UTC())
	return err
}

// GetUnacknowledgedAlerts returns all unacknowledged alerts.
func (h *HistoryStore) GetUnacknowledgedAlerts() ([]Alert, error) {
	rows, err := h.db.Query(`
		SELECT id, session_id, level, source, message, events, created_at
		FROM alerts WHERE acknowledged = 0 ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Level, &a.Source, &a.Message, &a.Events, &a.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert as acknowledged.
func (h *HistoryStore) AcknowledgeAlert(alertID int) error {
	res, err := h.db.Exec("UPDATE alerts SET acknowledged = 1 WHERE id = ?", alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d not found", alertID)
	}
	return nil
}

// Prune deletes records older than before. Unacknowledged alerts are kept.
// It returns the number of rows removed.
func (h *HistoryStore) Prune(before time.Time) (int64, error) {
	cutoff := before.UTC()
	var total int64

	err := h.db.Transaction(func(tx *sql.Tx) error {
		stmts := []string{
			"DELETE FROM client_samples WHERE sample_id IN (SELECT id FROM stat_samples WHERE sampled_at < ?)",
			"DELETE FROM stat_samples WHERE sampled_at < ?",
			"DELETE FROM client_events WHERE created_at < ?",
			"DELETE FROM desyncs WHERE created_at < ?",
			"DELETE FROM alerts WHERE acknowledged = 1 AND created_at < ?",
			"DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?",
		}
		for _, stmt := range stmts {
			res, err := tx.Exec(stmt, cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("history prune failed: %w", err)
	}

	log.Info().
		Time("before", cutoff).
		Int64("rows", total).
		Msg("history pruned")
	return total, nil
}

// Subscribe records session events from bus under sessionID.
func (h *HistoryStore) Subscribe(bus *events.EventBus, sessionID string) {
	bus.SubscribeAll("history", func(ctx context.Context, e events.Event) error {
		return h.record(sessionID, e, time.Now())
	},
		events.EventClientAdded,
		events.EventClientRemoved,
		events.EventClientDisconnected,
		events.EventCRCDesync,
		events.EventStatsSample,
		events.EventAlert,
	)
}

func (h *HistoryStore) record(sessionID string, e events.Event, at time.Time) error {
	var err error
	switch p := e.Payload.(type) {
	case events.ClientPayload:
		kind := ClientJoined
		if e.Type == events.EventClientRemoved {
			kind = ClientLeft
		}
		err = h.RecordClientEvent(ClientEvent{
			SessionID: sessionID, Slot: p.Index, Name: p.Name, Remote: p.Remote,
			Kind: kind, CreatedAt: at,
		})
	case events.DisconnectPayload:
		err = h.RecordClientEvent(ClientEvent{
			SessionID: sessionID, Slot: p.Index, Name: p.Name,
			Kind: ClientDisconnected, Reason: p.Reason, Detail: p.Detail, CreatedAt: at,
		})
	case events.CRCResultPayload:
		err = h.RecordDesync(sessionID, p, at)
	case events.StatsSamplePayload:
		err = h.RecordSample(p)
	case events.AlertPayload:
		err = h.CreateAlert(sessionID, p, at)
	default:
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("event", string(e.Type)).Msg("failed to record history")
	}
	return err
}
