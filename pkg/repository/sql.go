// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/devmesh/pkg/a2a"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLRepository implements Repository on database/sql.
// Supports postgres, mysql and sqlite; rich values live in JSON columns,
// filterable fields in indexed columns.
type SQLRepository struct {
	db      *sql.DB
	dialect string
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(255) PRIMARY KEY,
    context_id VARCHAR(255) NOT NULL,
    state VARCHAR(50) NOT NULL,
    task_json TEXT NOT NULL,
    origin_device VARCHAR(255) NOT NULL DEFAULT '',
    origin_seq VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_context_id ON tasks(context_id);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_origin ON tasks(origin_device, origin_seq);

CREATE TABLE IF NOT EXISTS push_configs (
    task_id VARCHAR(255) NOT NULL,
    config_id VARCHAR(255) NOT NULL,
    config_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (task_id, config_id)
);

CREATE TABLE IF NOT EXISTS devices (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    status VARCHAR(50) NOT NULL,
    last_heartbeat TIMESTAMP NOT NULL,
    entries_received BIGINT NOT NULL DEFAULT 0,
    bytes_received BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS watermarks (
    device_id VARCHAR(255) PRIMARY KEY,
    mark VARCHAR(255) NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_cards (
    name VARCHAR(255) PRIMARY KEY,
    url VARCHAR(1024) NOT NULL,
    card_json TEXT NOT NULL,
    fetched_at TIMESTAMP NOT NULL
);
`

// NewSQLRepository initializes the schema and returns the repository.
func NewSQLRepository(db *sql.DB, dialect string) (*SQLRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	r := &SQLRepository{db: db, dialect: dialect}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// MySQL rejects IF NOT EXISTS on CREATE INDEX; run statements one by
	// one and tolerate duplicate-index errors.
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if r.dialect == "mysql" && strings.HasPrefix(stmt, "CREATE INDEX IF NOT EXISTS") {
			stmt = strings.Replace(stmt, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX", 1)
		}
		if r.dialect == "mysql" && strings.HasPrefix(stmt, "CREATE UNIQUE INDEX IF NOT EXISTS") {
			stmt = strings.Replace(stmt, "CREATE UNIQUE INDEX IF NOT EXISTS", "CREATE UNIQUE INDEX", 1)
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			if r.dialect == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to $1..$n for postgres.
func (r *SQLRepository) rebind(query string) string {
	if r.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") || // postgres
		strings.Contains(msg, "Duplicate entry") // mysql
}

// ----------------------------------------------------------------------------
// TaskStore
// ----------------------------------------------------------------------------

func (r *SQLRepository) SaveTask(ctx context.Context, task *a2a.Task, originDevice, originSeq string) error {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	// Tasks without an origin still need a unique (origin_device,
	// origin_seq) pair; the task id serves.
	if originDevice == "" && originSeq == "" {
		originSeq = task.ID
	}

	now := time.Now().UTC()
	query := r.rebind(`
INSERT INTO tasks (id, context_id, state, task_json, origin_device, origin_seq, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.db.ExecContext(ctx, query,
		task.ID, task.ContextID, string(task.Status.State), string(taskJSON),
		originDevice, originSeq, now, now)
	if err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateOrigin
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (r *SQLRepository) UpdateTask(ctx context.Context, task *a2a.Task) error {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	query := r.rebind(`
UPDATE tasks SET state = ?, task_json = ?, updated_at = ? WHERE id = ?`)

	res, err := r.db.ExecContext(ctx, query,
		string(task.Status.State), string(taskJSON), time.Now().UTC(), task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) GetTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	query := r.rebind(`SELECT task_json FROM tasks WHERE id = ?`)

	var taskJSON string
	err := r.db.QueryRowContext(ctx, query, taskID).Scan(&taskJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	var task a2a.Task
	if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}
	return &task, nil
}

func (r *SQLRepository) ListTasks(ctx context.Context, filter TaskFilter) ([]*a2a.Task, error) {
	query := `SELECT task_json FROM tasks`
	var conds []string
	var args []interface{}
	if filter.ContextID != "" {
		conds = append(conds, "context_id = ?")
		args = append(args, filter.ContextID)
	}
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*a2a.Task
	for rows.Next() {
		var taskJSON string
		if err := rows.Scan(&taskJSON); err != nil {
			return nil, err
		}
		var task a2a.Task
		if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
			return nil, fmt.Errorf("failed to deserialize task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// ----------------------------------------------------------------------------
// PushConfigStore
// ----------------------------------------------------------------------------

func (r *SQLRepository) SetPushConfig(ctx context.Context, taskID string, cfg *a2a.PushNotificationConfig) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize push config: %w", err)
	}

	del := r.rebind(`DELETE FROM push_configs WHERE task_id = ? AND config_id = ?`)
	if _, err := r.db.ExecContext(ctx, del, taskID, cfg.ID); err != nil {
		return fmt.Errorf("failed to replace push config: %w", err)
	}

	ins := r.rebind(`
INSERT INTO push_configs (task_id, config_id, config_json, created_at)
VALUES (?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, ins, taskID, cfg.ID, string(cfgJSON), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert push config: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetPushConfig(ctx context.Context, taskID, configID string) (*a2a.PushNotificationConfig, error) {
	query := r.rebind(`SELECT config_json FROM push_configs WHERE task_id = ? AND config_id = ?`)

	var cfgJSON string
	err := r.db.QueryRowContext(ctx, query, taskID, configID).Scan(&cfgJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query push config: %w", err)
	}

	var cfg a2a.PushNotificationConfig
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize push config: %w", err)
	}
	return &cfg, nil
}

func (r *SQLRepository) ListPushConfigs(ctx context.Context, taskID string) ([]*a2a.PushNotificationConfig, error) {
	query := r.rebind(`SELECT config_json FROM push_configs WHERE task_id = ? ORDER BY created_at`)

	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list push configs: %w", err)
	}
	defer rows.Close()

	var configs []*a2a.PushNotificationConfig
	for rows.Next() {
		var cfgJSON string
		if err := rows.Scan(&cfgJSON); err != nil {
			return nil, err
		}
		var cfg a2a.PushNotificationConfig
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
			return nil, fmt.Errorf("failed to deserialize push config: %w", err)
		}
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}

func (r *SQLRepository) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	query := r.rebind(`DELETE FROM push_configs WHERE task_id = ? AND config_id = ?`)
	res, err := r.db.ExecContext(ctx, query, taskID, configID)
	if err != nil {
		return fmt.Errorf("failed to delete push config: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------------------------------------------
// DeviceStore
// ----------------------------------------------------------------------------

func (r *SQLRepository) UpsertDevice(ctx context.Context, rec *DeviceRecord) error {
	now := time.Now().UTC()

	upd := r.rebind(`
UPDATE devices SET name = ?, status = ?, last_heartbeat = ?, entries_received = ?, bytes_received = ?, updated_at = ?
WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, upd,
		rec.Name, rec.Status, rec.LastHeartbeat.UTC(), rec.EntriesReceived, rec.BytesReceived, now, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	ins := r.rebind(`
INSERT INTO devices (id, name, status, last_heartbeat, entries_received, bytes_received, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, ins,
		rec.ID, rec.Name, rec.Status, rec.LastHeartbeat.UTC(), rec.EntriesReceived, rec.BytesReceived, now); err != nil {
		if isDuplicateKeyErr(err) {
			// Lost the insert race; the winner's update is as good as ours.
			return nil
		}
		return fmt.Errorf("failed to insert device: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetDevice(ctx context.Context, deviceID string) (*DeviceRecord, error) {
	query := r.rebind(`
SELECT id, name, status, last_heartbeat, entries_received, bytes_received, updated_at
FROM devices WHERE id = ?`)

	var rec DeviceRecord
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&rec.ID, &rec.Name, &rec.Status, &rec.LastHeartbeat,
		&rec.EntriesReceived, &rec.BytesReceived, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return &rec, nil
}

func (r *SQLRepository) ListDevices(ctx context.Context) ([]*DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, status, last_heartbeat, entries_received, bytes_received, updated_at
FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var recs []*DeviceRecord
	for rows.Next() {
		var rec DeviceRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Status, &rec.LastHeartbeat,
			&rec.EntriesReceived, &rec.BytesReceived, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// ----------------------------------------------------------------------------
// WatermarkStore
// ----------------------------------------------------------------------------

func (r *SQLRepository) GetWatermark(ctx context.Context, deviceID string) (string, error) {
	query := r.rebind(`SELECT mark FROM watermarks WHERE device_id = ?`)

	var mark string
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&mark)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query watermark: %w", err)
	}
	return mark, nil
}

func (r *SQLRepository) SetWatermark(ctx context.Context, deviceID, mark string) error {
	now := time.Now().UTC()

	upd := r.rebind(`UPDATE watermarks SET mark = ?, updated_at = ? WHERE device_id = ?`)
	res, err := r.db.ExecContext(ctx, upd, mark, now, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update watermark: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	ins := r.rebind(`INSERT INTO watermarks (device_id, mark, updated_at) VALUES (?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, ins, deviceID, mark, now); err != nil {
		if isDuplicateKeyErr(err) {
			return nil
		}
		return fmt.Errorf("failed to insert watermark: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// AgentCardStore
// ----------------------------------------------------------------------------

func (r *SQLRepository) SaveAgentCard(ctx context.Context, rec *AgentCardRecord) error {
	cardJSON, err := json.Marshal(rec.Card)
	if err != nil {
		return fmt.Errorf("failed to serialize agent card: %w", err)
	}

	del := r.rebind(`DELETE FROM agent_cards WHERE name = ?`)
	if _, err := r.db.ExecContext(ctx, del, rec.Name); err != nil {
		return fmt.Errorf("failed to replace agent card: %w", err)
	}

	ins := r.rebind(`INSERT INTO agent_cards (name, url, card_json, fetched_at) VALUES (?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, ins, rec.Name, rec.URL, string(cardJSON), rec.FetchedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert agent card: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetAgentCard(ctx context.Context, name string) (*AgentCardRecord, error) {
	query := r.rebind(`SELECT name, url, card_json, fetched_at FROM agent_cards WHERE name = ?`)

	var rec AgentCardRecord
	var cardJSON string
	err := r.db.QueryRowContext(ctx, query, name).Scan(&rec.Name, &rec.URL, &cardJSON, &rec.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent card: %w", err)
	}

	var card a2a.AgentCard
	if err := json.Unmarshal([]byte(cardJSON), &card); err != nil {
		return nil, fmt.Errorf("failed to deserialize agent card: %w", err)
	}
	rec.Card = &card
	return &rec, nil
}

// Close is a no-op; the underlying pool is owned by the DBPool.
func (r *SQLRepository) Close() error {
	return nil
}
