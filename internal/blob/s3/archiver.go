package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/duelarena/escrowd/internal/domain"
)

// RoundArchiver implements domain.Archiver by serializing a closed round to
// JSON and uploading it to S3, partitioned by the month the round was created.
//
// Archival happens after the closing settlement has committed; a failed
// upload is logged by the caller and never blocks the close.
type RoundArchiver struct {
	writer *Writer
	audit  domain.AuditStore
}

// NewRoundArchiver creates a RoundArchiver.
func NewRoundArchiver(writer *Writer, audit domain.AuditStore) *RoundArchiver {
	return &RoundArchiver{
		writer: writer,
		audit:  audit,
	}
}

// ArchiveRound uploads the round record to rounds/YYYY-MM/<id>.json and
// records the archival in the audit log.
func (a *RoundArchiver) ArchiveRound(ctx context.Context, round domain.Round) error {
	buf, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("s3blob: archive round %s marshal: %w", round.ID, err)
	}

	path := archivePath(round)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive round %s upload: %w", round.ID, err)
	}

	if err := a.audit.Log(ctx, "round_archived", map[string]any{
		"round_id": round.ID,
		"path":     path,
	}); err != nil {
		return fmt.Errorf("s3blob: archive round %s audit log: %w", round.ID, err)
	}
	return nil
}

// archivePath builds the S3 key for an archived round, partitioned by the
// year-month of its creation.
//
//	rounds/2025-06/abc123.json
func archivePath(round domain.Round) string {
	return fmt.Sprintf("rounds/%s/%s.json", round.CreatedAt.UTC().Format("2006-01"), round.ID)
}

// Compile-time interface check.
var _ domain.Archiver = (*RoundArchiver)(nil)
