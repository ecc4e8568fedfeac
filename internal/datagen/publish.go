package datagen

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/corpus"
	"github.com/loqalabs/loqa-tts/internal/objectstore"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

// BatchPublisher mirrors flushed batch files to the object store and announces
// them on the bus.
type BatchPublisher struct {
	bus   *bus.Client
	store *objectstore.Store
	runID string
}

// NewBatchPublisher returns a publisher for runID. store may be nil, in which
// case batches are only announced.
func NewBatchPublisher(client *bus.Client, store *objectstore.Store, runID string) *BatchPublisher {
	return &BatchPublisher{bus: client, store: store, runID: runID}
}

// ObjectKey is the object store name of a batch file.
func (b *BatchPublisher) ObjectKey(file string) string {
	return path.Join(b.runID, filepath.Base(file))
}

// Hook is a corpus.FlushHook.
func (b *BatchPublisher) Hook(ctx context.Context, info corpus.FlushInfo) error {
	msg := protocol.BatchFlushed{
		RunID:     b.runID,
		Index:     info.Index,
		Path:      info.Path,
		Records:   info.Records,
		Bytes:     info.Bytes,
		Timestamp: time.Now().UTC(),
	}
	if b.store != nil {
		key := b.ObjectKey(info.Path)
		if _, err := b.store.UploadFile(ctx, key, info.Path); err != nil {
			return fmt.Errorf("upload batch %d: %w", info.Index, err)
		}
		msg.Object = b.store.Bucket() + "/" + key
	}
	return b.bus.PublishJSON(protocol.SubjectCorpusBatchFlushed, msg)
}
