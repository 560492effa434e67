package history

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "signal_trader/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id        TEXT PRIMARY KEY,
	workflow_type      TEXT NOT NULL,
	input              BLOB,
	status             TEXT NOT NULL,
	parent_instance_id TEXT NOT NULL DEFAULT '',
	parent_task_id     INTEGER NOT NULL DEFAULT 0,
	result             BLOB,
	error_kind         TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	last_seq           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status, created_at);
CREATE TABLE IF NOT EXISTS history (
	instance_id TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	data        TEXT NOT NULL,
	checksum    BLOB NOT NULL,
	PRIMARY KEY (instance_id, seq)
);
`

const instanceColumns = `instance_id, workflow_type, input, status, parent_instance_id, parent_task_id,
	result, error_kind, error, created_at, updated_at, last_seq`

// SQLiteStore implements Store on SQLite with one JSON row per event
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance, events ...Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE instance_id = ?`, inst.InstanceID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("instance %s: %w", inst.InstanceID, apperrors.ErrInstanceExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check instance: %w", err)
	}

	row := inst.Clone()
	row.Status = StatusRunning
	row.LastSeq = 0
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.InstanceID, row.WorkflowType, []byte(row.Input), string(row.Status), row.ParentInstanceID,
		row.ParentTaskID, []byte(row.Result), row.ErrorKind, row.Error,
		row.CreatedAt.UnixNano(), row.UpdatedAt.UnixNano(), 0)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	if err := s.appendTx(ctx, tx, row, events); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) Append(ctx context.Context, instanceID string, events ...Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	inst, err := scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_id = ?`, instanceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("instance %s: %w", instanceID, apperrors.ErrInstanceNotFound)
		}
		return 0, fmt.Errorf("failed to read instance: %w", err)
	}
	if inst.Status != StatusRunning {
		return 0, fmt.Errorf("instance %s is %s: %w", instanceID, inst.Status, apperrors.ErrInstanceNotRunning)
	}

	if err := s.appendTx(ctx, tx, inst, events); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return inst.LastSeq, nil
}

// appendTx writes events after inst.LastSeq and updates the instance row
func (s *SQLiteStore) appendTx(ctx context.Context, tx *sql.Tx, inst *Instance, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO history (instance_id, seq, event_type, data, checksum) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		inst.LastSeq++
		ev.Seq = inst.LastSeq

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", ev.Type, err)
		}
		checksum := sha256.Sum256(data)

		if _, err := stmt.ExecContext(ctx, inst.InstanceID, ev.Seq, string(ev.Type), string(data), checksum[:]); err != nil {
			return fmt.Errorf("failed to write event %d: %w", ev.Seq, err)
		}

		if !ev.Timestamp.IsZero() {
			inst.UpdatedAt = ev.Timestamp
		}
		if ev.Type.IsOrchestrationTerminal() {
			inst.applyTerminal(ev)
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE instances SET status = ?, result = ?, error_kind = ?, error = ?,
		updated_at = ?, last_seq = ? WHERE instance_id = ?`,
		string(inst.Status), []byte(inst.Result), inst.ErrorKind, inst.Error,
		inst.UpdatedAt.UnixNano(), inst.LastSeq, inst.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, instanceID string) ([]Event, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE instance_id = ?`, instanceID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("instance %s: %w", instanceID, apperrors.ErrInstanceNotFound)
		}
		return nil, fmt.Errorf("failed to read instance: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT seq, data, checksum FROM history WHERE instance_id = ? ORDER BY seq`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			seq            int64
			data           string
			storedChecksum []byte
		)
		if err := rows.Scan(&seq, &data, &storedChecksum); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		computed := sha256.Sum256([]byte(data))
		if !bytes.Equal(storedChecksum, computed[:]) {
			return nil, fmt.Errorf("instance %s event %d: checksum verification failed: %w", instanceID, seq, apperrors.ErrHistoryCorruption)
		}

		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("instance %s event %d: %v: %w", instanceID, seq, err, apperrors.ErrHistoryCorruption)
		}
		if ev.Seq != seq || seq != int64(len(events))+1 {
			return nil, fmt.Errorf("instance %s event %d: sequence gap: %w", instanceID, seq, apperrors.ErrHistoryCorruption)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return events, nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_id = ?`, instanceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("instance %s: %w", instanceID, apperrors.ErrInstanceNotFound)
		}
		return nil, fmt.Errorf("failed to read instance: %w", err)
	}
	return inst, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id FROM instances WHERE status = ? ORDER BY created_at, instance_id`, string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter Filter) ([]*Instance, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowType != "" {
		where = append(where, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.ParentInstanceID != "" {
		where = append(where, "parent_instance_id = ?")
		args = append(args, filter.ParentInstanceID)
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, instance_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Quarantine(ctx context.Context, instanceID, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET status = ?, error_kind = ?, error = ?, updated_at = ?
		WHERE instance_id = ? AND status = ?`,
		string(StatusQuarantined), apperrors.Kind(apperrors.ErrHistoryCorruption), reason, time.Now().UnixNano(),
		instanceID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to quarantine instance: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to quarantine instance: %w", err)
	}
	if n == 0 {
		if _, err := s.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		return fmt.Errorf("instance %s: %w", instanceID, apperrors.ErrInstanceNotRunning)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst             Instance
		status           string
		input, result    []byte
		created, updated int64
	)
	if err := row.Scan(&inst.InstanceID, &inst.WorkflowType, &input, &status, &inst.ParentInstanceID,
		&inst.ParentTaskID, &result, &inst.ErrorKind, &inst.Error, &created, &updated, &inst.LastSeq); err != nil {
		return nil, err
	}

	inst.Status = Status(status)
	if len(input) > 0 {
		inst.Input = json.RawMessage(input)
	}
	if len(result) > 0 {
		inst.Result = json.RawMessage(result)
	}
	inst.CreatedAt = time.Unix(0, created).UTC()
	inst.UpdatedAt = time.Unix(0, updated).UTC()
	return &inst, nil
}
