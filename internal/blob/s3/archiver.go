package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/papertrader/internal/codec"
	"github.com/alanyoungcy/papertrader/internal/domain"
)

// archivePageSize bounds each history query.
const archivePageSize = 500

// HistorySource is the slice of domain.RemoteStore the archiver reads.
type HistorySource interface {
	ListHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error)
}

// Archiver writes a user's finished trades to object storage as JSONL.
// Archived rows stay in the remote store; pruning them is a separate step.
type Archiver struct {
	writer  domain.BlobWriter
	history HistorySource
	audit   domain.AuditStore
	prefix  string
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, history HistorySource, audit domain.AuditStore, prefix string) *Archiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{writer: writer, history: history, audit: audit, prefix: prefix}
}

// ArchiveHistory uploads every closed or cancelled order of userID last
// updated at or before the cutoff and returns the object key and row count.
// Nothing is uploaded when there are no rows.
func (a *Archiver) ArchiveHistory(ctx context.Context, userID string, before time.Time) (string, int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	count := 0
	for offset := 0; ; offset += archivePageSize {
		page, err := a.history.ListHistory(ctx, userID, domain.ListOpts{
			Until:  &before,
			Limit:  archivePageSize,
			Offset: offset,
		})
		if err != nil {
			return "", count, fmt.Errorf("s3blob: archive history query: %w", err)
		}
		for _, o := range page {
			if err := enc.Encode(codec.FromOrder(o)); err != nil {
				return "", count, fmt.Errorf("s3blob: archive encode %s: %w", o.ID, err)
			}
			count++
		}
		if len(page) < archivePageSize {
			break
		}
	}
	if count == 0 {
		return "", 0, nil
	}

	key := archivePath(a.prefix, userID, before)
	if err := a.writer.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return "", count, fmt.Errorf("s3blob: archive history upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, userID, "archive.history", map[string]any{
			"path":   key,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return key, count, fmt.Errorf("s3blob: archive history audit log: %w", err)
		}
	}
	return key, count, nil
}

// archivePath partitions archives by user and cutoff month:
//
//	archive/user-1/orders/2026-03.jsonl
func archivePath(prefix, userID string, before time.Time) string {
	return path.Join(prefix, userID, "orders", before.UTC().Format("2006-01")+".jsonl")
}
