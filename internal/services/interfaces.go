package services

import (
	"context"
	"time"

	"github.com/mescon/contentguardian/internal/domain"
)

// PageSource is the read side of the content API used by scans.
// *confluence.Client satisfies it.
type PageSource interface {
	FetchPageBatch(ctx context.Context, cursor *string, limit int) (*domain.PageBatch, error)
	HasChildren(ctx context.Context, pageID string) (bool, error)
	ResolveSpaceKey(ctx context.Context, spaceID string) (string, error)
}

// PageActions performs the remote side of bulk actions.
// *confluence.Client satisfies it.
type PageActions interface {
	ArchivePage(ctx context.Context, pageID string) error
	AddLabels(ctx context.Context, pageID string, names ...string) error
	SetContentProperty(ctx context.Context, pageID, key string, value interface{}) error
}

// LockStore persists the advisory scan lock. *db.Repository satisfies it.
type LockStore interface {
	GetScanLock(ctx context.Context) (*domain.ScanLock, error)
	TryAcquireScanLock(ctx context.Context, lock domain.ScanLock, ttl time.Duration) (bool, error)
	WriteScanLock(ctx context.Context, lock domain.ScanLock) error
	DeleteScanLock(ctx context.Context) error
}

// StateStore persists the scan checkpoint. *db.Repository satisfies it.
type StateStore interface {
	LoadScanState(ctx context.Context) ([]byte, error)
	SaveScanState(ctx context.Context, state []byte) error
	ClearScanState(ctx context.Context) error
	GetSettings(ctx context.Context) (map[string]interface{}, error)
}
