package compile

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists job records and diagnostics to Postgres. It is a
// best-effort mirror beside the in-memory store; write failures are for the
// caller to log, not to abort a job on.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS compilation_jobs (
	id TEXT PRIMARY KEY,
	project_id TEXT,
	board_type TEXT NOT NULL,
	status TEXT NOT NULL,
	libraries TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	artifact_path TEXT,
	binary_url TEXT
);
CREATE TABLE IF NOT EXISTS compilation_messages (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES compilation_jobs(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Create(job Job) error {
	libraries, err := json.Marshal(job.Libraries)
	if err != nil {
		return fmt.Errorf("encode libraries: %w", err)
	}
	query := `INSERT INTO compilation_jobs (id, project_id, board_type, status, libraries, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
	project_id = EXCLUDED.project_id,
	board_type = EXCLUDED.board_type,
	status = EXCLUDED.status,
	libraries = EXCLUDED.libraries`
	_, err = s.db.Exec(query,
		job.ID,
		job.ProjectID,
		job.BoardType,
		job.Status,
		string(libraries),
		job.CreatedAt,
	)
	return err
}

// Finish records a terminal transition and the classified diagnostics.
func (s *PostgresStore) Finish(job Job) error {
	query := `UPDATE compilation_jobs SET status=$1, completed_at=$2, artifact_path=$3, binary_url=$4 WHERE id=$5`
	if _, err := s.db.Exec(query, job.Status, job.CompletedAt, job.ArtifactPath, job.BinaryURL, job.ID); err != nil {
		return err
	}
	for _, msg := range job.Messages {
		if _, err := s.db.Exec(`INSERT INTO compilation_messages (job_id, kind, message) VALUES ($1,$2,$3)`, job.ID, msg.Kind, msg.Text); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Get(id string) (Job, error) {
	var job Job
	var projectID, libraries, artifactPath, binaryURL sql.NullString
	var completedAt sql.NullTime
	query := `SELECT id, project_id, board_type, status, libraries, created_at, completed_at, artifact_path, binary_url FROM compilation_jobs WHERE id=$1`
	err := s.db.QueryRow(query, id).Scan(&job.ID, &projectID, &job.BoardType, &job.Status, &libraries, &job.CreatedAt, &completedAt, &artifactPath, &binaryURL)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if projectID.Valid {
		job.ProjectID = projectID.String
	}
	if libraries.Valid && libraries.String != "" {
		if err := json.Unmarshal([]byte(libraries.String), &job.Libraries); err != nil {
			return Job{}, fmt.Errorf("decode libraries: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if artifactPath.Valid {
		job.ArtifactPath = artifactPath.String
	}
	if binaryURL.Valid {
		job.BinaryURL = binaryURL.String
	}

	messages, err := s.listMessages(id)
	if err != nil {
		return Job{}, err
	}
	job.Messages = messages
	return job, nil
}

func (s *PostgresStore) listMessages(id string) ([]Message, error) {
	rows, err := s.db.Query(`SELECT kind, message FROM compilation_messages WHERE job_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Kind, &msg.Text); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
