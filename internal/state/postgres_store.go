package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/zhangjing-777/multimedia-review-new/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

const taskColumns = `id, name, description, strategy_type, strategy_contents, video_frame_interval, status, progress, error_message, total_files, processed_files, violation_count, creator_id, started_at, completed_at, created_at, updated_at`

const fileColumns = `id, task_id, original_name, storage_path, file_type, file_size, mime_type, file_extension, content_hash, page_count, duration_sec, status, progress, error_message, violation_count, processed_at, created_at, updated_at`

const resultColumns = `id, task_id, file_id, verdict, source_type, confidence_score, evidence, evidence_text, position_json, page_number, timestamp_sec, model_name, model_version, raw_response, is_reviewed, reviewed_by, review_note, review_verdict, reviewed_at, created_at`

func (p *PostgresStore) CreateTask(ctx context.Context, task TaskRecord) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO review_tasks (`+taskColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		task.ID, task.Name, task.Description, task.StrategyType, task.StrategyContents, task.VideoFrameInterval,
		task.Status, task.Progress, task.ErrorMessage, task.TotalFiles, task.ProcessedFiles, task.ViolationCount,
		task.CreatorID, nullTime(task.StartedAt), nullTime(task.CompletedAt), task.CreatedAt, task.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM review_tasks WHERE id=$1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) UpdateTask(ctx context.Context, task TaskRecord) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE review_tasks SET name=$2, description=$3, strategy_type=$4, strategy_contents=$5, video_frame_interval=$6,
		 status=$7, progress=$8, error_message=$9, total_files=$10, processed_files=$11, violation_count=$12,
		 started_at=$13, completed_at=$14, updated_at=$15
		 WHERE id=$1`,
		task.ID, task.Name, task.Description, task.StrategyType, task.StrategyContents, task.VideoFrameInterval,
		task.Status, task.Progress, task.ErrorMessage, task.TotalFiles, task.ProcessedFiles, task.ViolationCount,
		nullTime(task.StartedAt), nullTime(task.CompletedAt), task.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s not found", task.ID)
	}
	return nil
}

func (p *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	// review_files and review_results cascade.
	_, err := p.db.ExecContext(ctx, `DELETE FROM review_tasks WHERE id=$1`, taskID)
	return err
}

func (p *PostgresStore) UpdateTaskWithFiles(ctx context.Context, taskID string, fn func(task *TaskRecord, files []FileRecord) ([]FileRecord, error)) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM review_tasks WHERE id=$1 FOR UPDATE`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s not found", taskID)
	}
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+fileColumns+` FROM review_files WHERE task_id=$1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return err
	}
	files := make([]FileRecord, 0, 16)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			rows.Close()
			return err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	changed, err := fn(&task, files)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	task.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`UPDATE review_tasks SET status=$2, progress=$3, error_message=$4, total_files=$5, processed_files=$6,
		 violation_count=$7, started_at=$8, completed_at=$9, updated_at=$10 WHERE id=$1`,
		task.ID, task.Status, task.Progress, task.ErrorMessage, task.TotalFiles, task.ProcessedFiles,
		task.ViolationCount, nullTime(task.StartedAt), nullTime(task.CompletedAt), task.UpdatedAt,
	); err != nil {
		return err
	}
	for _, f := range changed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE review_files SET status=$2, progress=$3, error_message=$4, violation_count=$5, processed_at=$6, updated_at=$7 WHERE id=$1`,
			f.ID, f.Status, f.Progress, f.ErrorMessage, f.ViolationCount, nullTime(f.ProcessedAt), now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) CreateFile(ctx context.Context, file FileRecord) error {
	now := time.Now().UTC()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	file.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO review_files (`+fileColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		file.ID, file.TaskID, file.OriginalName, file.StoragePath, file.FileType, file.FileSize,
		file.MimeType, file.FileExtension, file.ContentHash, file.PageCount, file.DurationSec,
		file.Status, file.Progress, file.ErrorMessage, file.ViolationCount, nullTime(file.ProcessedAt),
		file.CreatedAt, file.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetFile(ctx context.Context, fileID string) (FileRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM review_files WHERE id=$1`, fileID)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	return f, true, nil
}

func (p *PostgresStore) UpdateFile(ctx context.Context, file FileRecord) error {
	file.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE review_files SET original_name=$2, storage_path=$3, file_type=$4, file_size=$5, mime_type=$6,
		 file_extension=$7, content_hash=$8, page_count=$9, duration_sec=$10, status=$11, progress=$12,
		 error_message=$13, violation_count=$14, processed_at=$15, updated_at=$16
		 WHERE id=$1`,
		file.ID, file.OriginalName, file.StoragePath, file.FileType, file.FileSize, file.MimeType,
		file.FileExtension, file.ContentHash, file.PageCount, file.DurationSec, file.Status, file.Progress,
		file.ErrorMessage, file.ViolationCount, nullTime(file.ProcessedAt), file.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("file %s not found", file.ID)
	}
	return nil
}

func (p *PostgresStore) DeleteFile(ctx context.Context, fileID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM review_files WHERE id=$1`, fileID)
	return err
}

func (p *PostgresStore) ListFilesByTask(ctx context.Context, taskID, status string) ([]FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM review_files WHERE task_id=$1`
	args := []any{taskID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]FileRecord, 0, 16)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindFileByHash(ctx context.Context, taskID, contentHash string) (FileRecord, bool, error) {
	if contentHash == "" {
		return FileRecord{}, false, nil
	}
	row := p.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM review_files WHERE task_id=$1 AND content_hash=$2 ORDER BY created_at LIMIT 1`,
		taskID, contentHash,
	)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	return f, true, nil
}

func (p *PostgresStore) ResetFilesForTask(ctx context.Context, taskID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE review_files SET status='pending', progress=0, error_message='', violation_count=0, processed_at=NULL, updated_at=$2
		 WHERE task_id=$1`,
		taskID, time.Now().UTC(),
	)
	return err
}

func (p *PostgresStore) CreateResult(ctx context.Context, result ResultRecord) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO review_results (`+resultColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		result.ID, result.TaskID, result.FileID, result.Verdict, result.SourceType, result.ConfidenceScore,
		result.Evidence, result.EvidenceText, result.PositionJSON, result.PageNumber, result.TimestampSec,
		result.ModelName, result.ModelVersion, result.RawResponse, result.IsReviewed, result.ReviewedBy,
		result.ReviewNote, result.ReviewVerdict, nullTime(result.ReviewedAt), result.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetResult(ctx context.Context, resultID string) (ResultRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM review_results WHERE id=$1`, resultID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ResultRecord{}, false, nil
	}
	if err != nil {
		return ResultRecord{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) ListResultsByFile(ctx context.Context, fileID string) ([]ResultRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM review_results WHERE file_id=$1 ORDER BY created_at, id`, fileID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ResultRecord, 0, 8)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteResultsByTask(ctx context.Context, taskID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM review_results WHERE task_id=$1`, taskID)
	return err
}

func (p *PostgresStore) CountViolationsByFile(ctx context.Context, fileID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM review_results WHERE file_id=$1 AND verdict='non_compliant'`, fileID,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountViolationFilesByTask(ctx context.Context, taskID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT file_id) FROM review_results WHERE task_id=$1 AND verdict='non_compliant'`, taskID,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) UpdateResultReview(ctx context.Context, resultID string, review ReviewUpdate) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE review_results SET is_reviewed=TRUE, reviewed_by=$2, review_note=$3, review_verdict=$4, reviewed_at=$5
		 WHERE id=$1`,
		resultID, review.Reviewer, review.Note, review.VerdictOverride, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("result %s not found", resultID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (TaskRecord, error) {
	var t TaskRecord
	var startedAt, completedAt sql.NullTime
	if err := s.Scan(&t.ID, &t.Name, &t.Description, &t.StrategyType, &t.StrategyContents, &t.VideoFrameInterval,
		&t.Status, &t.Progress, &t.ErrorMessage, &t.TotalFiles, &t.ProcessedFiles, &t.ViolationCount,
		&t.CreatorID, &startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return TaskRecord{}, err
	}
	if startedAt.Valid {
		t.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}
	return t, nil
}

func scanFile(s scanner) (FileRecord, error) {
	var f FileRecord
	var processedAt sql.NullTime
	if err := s.Scan(&f.ID, &f.TaskID, &f.OriginalName, &f.StoragePath, &f.FileType, &f.FileSize,
		&f.MimeType, &f.FileExtension, &f.ContentHash, &f.PageCount, &f.DurationSec,
		&f.Status, &f.Progress, &f.ErrorMessage, &f.ViolationCount, &processedAt,
		&f.CreatedAt, &f.UpdatedAt); err != nil {
		return FileRecord{}, err
	}
	if processedAt.Valid {
		f.ProcessedAt = processedAt.Time
	}
	return f, nil
}

func scanResult(s scanner) (ResultRecord, error) {
	var r ResultRecord
	var reviewedAt sql.NullTime
	if err := s.Scan(&r.ID, &r.TaskID, &r.FileID, &r.Verdict, &r.SourceType, &r.ConfidenceScore,
		&r.Evidence, &r.EvidenceText, &r.PositionJSON, &r.PageNumber, &r.TimestampSec,
		&r.ModelName, &r.ModelVersion, &r.RawResponse, &r.IsReviewed, &r.ReviewedBy,
		&r.ReviewNote, &r.ReviewVerdict, &reviewedAt, &r.CreatedAt); err != nil {
		return ResultRecord{}, err
	}
	if reviewedAt.Valid {
		r.ReviewedAt = reviewedAt.Time
	}
	return r, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
