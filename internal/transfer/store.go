package transfer

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is a Transfer's on-disk row, persisted so a transfer can resume
// after the process restarts (spec.md §8 scenario 6), grounded on
// clintcan-debswarm/internal/downloader/state.go's DownloadState/
// StateManager shape over database/sql.
type Record struct {
	ID                string
	DirTransferID     string
	PeerHash          string
	Direction         string
	Filename          string
	SrcPath           string
	DestPath          string
	TotalBytes        int64
	ChunkSize         int
	FileHash          string
	Status            string
	ChunksDone        int
	NextExpectedIndex int
	StartedAt         time.Time
	UpdatedAt         time.Time
	Error             string
}

// Store is the sqlite-backed resumable-state table.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the sqlite database at path and
// ensures its schema exists, the same open+createTables sequence as
// clintcan-debswarm/internal/cache/cache.go's New.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("transfer: open store %s: %w", path, err)
	}
	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("transfer: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			dir_transfer_id TEXT,
			peer_hash TEXT NOT NULL,
			direction TEXT NOT NULL,
			filename TEXT NOT NULL,
			src_path TEXT,
			dest_path TEXT,
			total_bytes INTEGER NOT NULL,
			chunk_size INTEGER NOT NULL,
			file_hash TEXT,
			status TEXT NOT NULL,
			chunks_done INTEGER NOT NULL DEFAULT 0,
			next_expected_index INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
	`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Save upserts rec, matching clintcan-debswarm's style of a single
// transactional statement per mutating call.
func (s *Store) Save(rec *Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	_, err = tx.Exec(`
		INSERT INTO transfers (
			id, dir_transfer_id, peer_hash, direction, filename, src_path, dest_path,
			total_bytes, chunk_size, file_hash, status, chunks_done, next_expected_index,
			started_at, updated_at, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			chunks_done = excluded.chunks_done,
			next_expected_index = excluded.next_expected_index,
			file_hash = excluded.file_hash,
			updated_at = excluded.updated_at,
			error = excluded.error`,
		rec.ID, nullableString(rec.DirTransferID), rec.PeerHash, rec.Direction, rec.Filename,
		nullableString(rec.SrcPath), nullableString(rec.DestPath),
		rec.TotalBytes, rec.ChunkSize, rec.FileHash, rec.Status, rec.ChunksDone, rec.NextExpectedIndex,
		rec.StartedAt.Unix(), now, nullableString(rec.Error))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Load returns the record for id, or (nil, nil) if no such row exists —
// the same sql.ErrNoRows convention as the teacher's GetDownload.
func (s *Store) Load(id string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, dir_transfer_id, peer_hash, direction, filename, src_path, dest_path,
			total_bytes, chunk_size, file_hash, status, chunks_done, next_expected_index,
			started_at, updated_at, error
		FROM transfers WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadResumable returns every transfer not yet in a terminal state, used
// on startup to rehydrate in-flight transfers after a restart.
func (s *Store) LoadResumable() ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT id, dir_transfer_id, peer_hash, direction, filename, src_path, dest_path,
			total_bytes, chunk_size, file_hash, status, chunks_done, next_expected_index,
			started_at, updated_at, error
		FROM transfers
		WHERE status NOT IN (?, ?, ?)
		ORDER BY started_at ASC`, string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("transfer: scan resumable row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a transfer's row once it reaches a terminal state.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM transfers WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var dirTransferID, srcPath, destPath, fileHash, errStr sql.NullString
	var startedAt, updatedAt int64
	err := row.Scan(
		&rec.ID, &dirTransferID, &rec.PeerHash, &rec.Direction, &rec.Filename,
		&srcPath, &destPath, &rec.TotalBytes, &rec.ChunkSize, &fileHash,
		&rec.Status, &rec.ChunksDone, &rec.NextExpectedIndex, &startedAt, &updatedAt, &errStr)
	if err != nil {
		return nil, err
	}
	rec.DirTransferID = dirTransferID.String
	rec.SrcPath = srcPath.String
	rec.DestPath = destPath.String
	rec.FileHash = fileHash.String
	rec.Error = errStr.String
	rec.StartedAt = time.Unix(startedAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
