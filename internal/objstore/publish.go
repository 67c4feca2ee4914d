package objstore

import (
	"context"
	"path"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/model"
	"github.com/sells-group/hmo-register/internal/resilience"
	"github.com/sells-group/hmo-register/internal/sheet"
)

// ContentTypeXLSX is the media type of exported workbooks.
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Putter stores a single object.
type Putter interface {
	Put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) (string, error)
}

// Publisher exports enriched tables as workbooks.
type Publisher struct {
	store      Putter
	prefix     string
	objectName string
	retry      resilience.RetryConfig
}

// NewPublisher builds a Publisher. A non-empty objectName pins every export to
// that key; otherwise keys are derived from the snapshot id under prefix.
func NewPublisher(store Putter, prefix, objectName string, maxRetries int) *Publisher {
	retry := resilience.WithAttempts(maxRetries)
	retry.OnRetry = resilience.RetryLogger("objstore", "put")
	return &Publisher{
		store:      store,
		prefix:     prefix,
		objectName: objectName,
		retry:      retry,
	}
}

// ObjectKey returns the key a snapshot is written under.
func (p *Publisher) ObjectKey(snapshotID string) string {
	if p.objectName != "" {
		return p.objectName
	}
	return path.Join(p.prefix, snapshotID+".xlsx")
}

// PublishTable renders t as a workbook and uploads it, returning the key.
func (p *Publisher) PublishTable(ctx context.Context, t *model.Table) (string, error) {
	if t.SnapshotID == "" {
		return "", eris.New("objstore: table has no snapshot id")
	}

	data, err := sheet.Write(t)
	if err != nil {
		return "", eris.Wrap(err, "objstore: encode workbook")
	}

	key := p.ObjectKey(t.SnapshotID)
	meta := map[string]string{"snapshot_id": t.SnapshotID}

	etag, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (string, error) {
		return p.store.Put(ctx, key, data, ContentTypeXLSX, meta)
	})
	if err != nil {
		return "", eris.Wrapf(err, "objstore: publish snapshot %s", t.SnapshotID)
	}

	zap.L().Info("objstore: published snapshot",
		zap.String("snapshot_id", t.SnapshotID),
		zap.String("key", key),
		zap.String("etag", etag),
		zap.Int("rows", t.Len()),
		zap.Int("bytes", len(data)),
	)
	return key, nil
}
