package refdata

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/fleetstream/entitystore"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/geofence"
	"github.com/c360/fleetstream/natsclient"
	"github.com/c360/fleetstream/pkg/retry"
)

// Bucket is the read side of a KV bucket holding one JSON record per key.
// *natsclient.KVStore implements it.
type Bucket interface {
	Keys(ctx context.Context) ([]string, error)
	GetJSON(ctx context.Context, key string, v any) error
}

// KVProvider reads inventory and zones from two KV buckets.
type KVProvider struct {
	inventory Bucket
	zones     Bucket
	retry     retry.Config
	logger    *slog.Logger
}

// KVOption configures a KVProvider
type KVOption func(*KVProvider)

// WithRetry sets the retry policy for bucket reads
func WithRetry(cfg retry.Config) KVOption {
	return func(p *KVProvider) {
		p.retry = cfg
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) KVOption {
	return func(p *KVProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewKVProvider creates a provider over the given buckets
func NewKVProvider(inventory, zones Bucket, opts ...KVOption) *KVProvider {
	p := &KVProvider{
		inventory: inventory,
		zones:     zones,
		retry:     retry.DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "refdata")
	return p
}

// OpenKVProvider opens the named buckets on client, creating them when missing.
func OpenKVProvider(ctx context.Context, client *natsclient.Client, inventoryBucket, zonesBucket string, opts ...KVOption) (*KVProvider, error) {
	inventory, err := client.KeyValue(ctx, inventoryBucket, true)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVProvider", "Open", "open inventory bucket")
	}
	zones, err := client.KeyValue(ctx, zonesBucket, true)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVProvider", "Open", "open zones bucket")
	}
	return NewKVProvider(inventory, zones, opts...), nil
}

// Inventory reads every inventory record
func (p *KVProvider) Inventory(ctx context.Context) ([]entitystore.InventoryItem, error) {
	items, err := readAll[entitystore.InventoryItem](ctx, p, p.inventory)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrReferenceUnavailable, err),
			"KVProvider", "Inventory", "read inventory")
	}
	return items, nil
}

// Zones reads every zone record
func (p *KVProvider) Zones(ctx context.Context) ([]geofence.Zone, error) {
	zones, err := readAll[geofence.Zone](ctx, p, p.zones)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrReferenceUnavailable, err),
			"KVProvider", "Zones", "read zones")
	}
	return zones, nil
}

// readAll lists the bucket and decodes each record. Keys deleted between listing and
// reading are skipped, as are records that do not decode. Any other failure retries
// the whole read, so a result is never partial.
func readAll[T any](ctx context.Context, p *KVProvider, bucket Bucket) ([]T, error) {
	return retry.DoWithResult(ctx, p.retry, func() ([]T, error) {
		keys, err := bucket.Keys(ctx)
		if err != nil {
			return nil, err
		}

		out := make([]T, 0, len(keys))
		for _, key := range keys {
			var record T
			err := bucket.GetJSON(ctx, key, &record)
			switch {
			case err == nil:
				out = append(out, record)
			case natsclient.IsKVNotFoundError(err):
				continue
			case errors.IsInvalid(err):
				p.logger.Warn("Skipping malformed reference record", "key", key, "error", err)
			default:
				return nil, err
			}
		}
		return out, nil
	})
}
