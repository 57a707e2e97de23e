package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// multipartThreshold is the encoded size above which snapshots are uploaded
// in parts.
const multipartThreshold = 8 * 1024 * 1024

// roundReport is the JSON document written for each closed round.
type roundReport struct {
	Result  domain.RoundResult
	Markets []domain.Market
}

// Archive implements domain.RoundArchiver and domain.SnapshotStore on top of
// a blob store. Writes are recorded in the audit log when one is set.
type Archive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	clock  domain.Clock
	logger *slog.Logger
}

var (
	_ domain.RoundArchiver = (*Archive)(nil)
	_ domain.SnapshotStore = (*Archive)(nil)
)

// NewArchive creates an Archive. audit may be nil.
func NewArchive(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, clock domain.Clock, logger *slog.Logger) *Archive {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Archive{
		writer: writer,
		reader: reader,
		audit:  audit,
		clock:  clock,
		logger: logger.With(slog.String("component", "archive")),
	}
}

// roundPath is rounds/<index zero-padded>/report.json so listings sort by round.
func roundPath(round uint64) string {
	return fmt.Sprintf("rounds/%08d/report.json", round)
}

// snapshotPath sorts lexicographically by time.
func snapshotPath(at time.Time) string {
	return "snapshots/" + at.UTC().Format("20060102T150405.000000000Z") + ".json"
}

// ArchiveRound uploads the closed round's result and the markets it settled.
func (a *Archive) ArchiveRound(ctx context.Context, res domain.RoundResult, markets []domain.Market) (string, error) {
	data, err := encode(roundReport{Result: res, Markets: markets})
	if err != nil {
		return "", fmt.Errorf("s3blob: encode round %d: %w", res.Round, err)
	}
	path := roundPath(res.Round)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive round %d: %w", res.Round, err)
	}
	a.record(ctx, "archive.round", strconv.FormatUint(res.Round, 10), map[string]any{
		"path":    path,
		"round":   res.Round,
		"markets": len(markets),
	})
	return path, nil
}

// SaveSnapshot uploads snap under a time-ordered key.
func (a *Archive) SaveSnapshot(ctx context.Context, snap domain.Snapshot) (string, error) {
	data, err := encode(snap)
	if err != nil {
		return "", fmt.Errorf("s3blob: encode snapshot: %w", err)
	}
	at := snap.TakenAt
	if at.IsZero() {
		at = a.clock.Now()
	}
	path := snapshotPath(at)
	if len(data) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: save snapshot: %w", err)
	}
	a.record(ctx, "archive.snapshot", path, map[string]any{
		"path":         path,
		"bytes":        len(data),
		"risk_version": snap.RiskVersion,
	})
	return path, nil
}

// LatestSnapshot loads the newest snapshot, or domain.ErrNotFound when none
// has been saved.
func (a *Archive) LatestSnapshot(ctx context.Context) (domain.Snapshot, error) {
	infos, err := a.reader.List(ctx, "snapshots/")
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	if len(infos) == 0 {
		return domain.Snapshot{}, domain.Errorf(domain.ErrNotFound, "s3blob: no snapshot")
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	latest := infos[len(infos)-1].Path

	body, err := a.reader.Get(ctx, latest)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer body.Close()

	var snap domain.Snapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: decode snapshot %s: %w", latest, err)
	}
	return snap, nil
}

func (a *Archive) record(ctx context.Context, event, key string, detail map[string]any) {
	a.logger.InfoContext(ctx, "archive: uploaded", slog.String("event", event), slog.Any("path", detail["path"]))
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, domain.AuditEntry{Event: event, Key: key, Detail: detail}); err != nil {
		a.logger.WarnContext(ctx, "archive: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
