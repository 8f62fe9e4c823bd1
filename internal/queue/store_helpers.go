package queue

import (
	"database/sql"

	"cloudsync/internal/database"
)

const itemColumns = "id, job_id, remote_file_id, file_name, mime_type, file_size, provider_modified_at, status, priority, retry_count, error_message, next_attempt_at, created_at, started_at, completed_at, updated_at"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*WorkItem, error) {
	var (
		id             string
		jobID          sql.NullString
		remoteFileID   string
		fileName       sql.NullString
		mimeType       sql.NullString
		fileSize       int64
		providerMod    sql.NullString
		statusStr      string
		priority       int
		retryCount     int
		errorMessage   sql.NullString
		nextAttemptRaw sql.NullString
		createdRaw     string
		startedRaw     sql.NullString
		completedRaw   sql.NullString
		updatedRaw     string
	)
	if err := scanner.Scan(
		&id,
		&jobID,
		&remoteFileID,
		&fileName,
		&mimeType,
		&fileSize,
		&providerMod,
		&statusStr,
		&priority,
		&retryCount,
		&errorMessage,
		&nextAttemptRaw,
		&createdRaw,
		&startedRaw,
		&completedRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	item := &WorkItem{
		ID:                 id,
		JobID:              jobID.String,
		RemoteFileID:       remoteFileID,
		FileName:           fileName.String,
		MimeType:           mimeType.String,
		FileSize:           fileSize,
		ProviderModifiedAt: database.ScanTime(providerMod),
		Status:             Status(statusStr),
		Priority:           Priority(priority),
		RetryCount:         retryCount,
		ErrorMessage:       errorMessage.String,
		NextAttemptAt:      database.ScanTime(nextAttemptRaw),
		StartedAt:          database.ScanTime(startedRaw),
		CompletedAt:        database.ScanTime(completedRaw),
	}
	if created, err := database.ParseTime(createdRaw); err == nil {
		item.CreatedAt = created
	}
	if updated, err := database.ParseTime(updatedRaw); err == nil {
		item.UpdatedAt = updated
	}
	return item, nil
}
