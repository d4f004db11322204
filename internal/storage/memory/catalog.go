// Package memory provides in-process stores for development and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

// Catalog is an in-memory archive.Catalog.
type Catalog struct {
	mu        sync.RWMutex
	items     map[int64]archive.Item
	assets    map[int64]archive.Asset
	tags      map[string]string // lower-cased name -> canonical name
	nextItem  int64
	nextAsset int64
	now       func() time.Time
}

// NewCatalog constructs an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		items:  make(map[int64]archive.Item),
		assets: make(map[int64]archive.Asset),
		tags:   make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateItem stores item with a fresh id and attaches tags, reusing
// existing tags case-insensitively.
func (c *Catalog) CreateItem(_ context.Context, item archive.Item, tags []string) (archive.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextItem++
	item.ID = c.nextItem
	now := c.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	item.Tags = c.resolveTagsLocked(tags)
	c.items[item.ID] = item
	return cloneItem(item), nil
}

func (c *Catalog) resolveTagsLocked(tags []string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, raw := range tags {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		canonical, ok := c.tags[key]
		if !ok {
			canonical = name
			c.tags[key] = canonical
		}
		out = append(out, canonical)
	}
	return out
}

// GetItem returns the item or archive.ErrNotFound.
func (c *Catalog) GetItem(_ context.Context, id int64) (archive.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	if !ok {
		return archive.Item{}, fmt.Errorf("item %d: %w", id, archive.ErrNotFound)
	}
	return cloneItem(item), nil
}

// UpdateItem overwrites the mutable item fields. Tags are left untouched.
func (c *Catalog) UpdateItem(_ context.Context, item archive.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.items[item.ID]
	if !ok {
		return fmt.Errorf("item %d: %w", item.ID, archive.ErrNotFound)
	}
	item.Tags = existing.Tags
	item.CreatedAt = existing.CreatedAt
	c.items[item.ID] = item
	return nil
}

// InsertAsset records an asset for an existing item.
func (c *Catalog) InsertAsset(_ context.Context, asset archive.Asset) (archive.Asset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[asset.ItemID]; !ok {
		return archive.Asset{}, fmt.Errorf("item %d: %w", asset.ItemID, archive.ErrNotFound)
	}
	c.nextAsset++
	asset.ID = c.nextAsset
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = c.now()
	}
	c.assets[asset.ID] = asset
	return asset, nil
}

// ListItems returns items newest first, filtered by query and tag.
func (c *Catalog) ListItems(_ context.Context, filter archive.ItemFilter) ([]archive.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	tag := strings.ToLower(strings.TrimSpace(filter.Tag))

	out := make([]archive.Item, 0)
	for _, item := range c.items {
		if query != "" &&
			!strings.Contains(strings.ToLower(item.URL), query) &&
			!strings.Contains(strings.ToLower(item.Title), query) {
			continue
		}
		if tag != "" && !slices.ContainsFunc(item.Tags, func(t string) bool { return strings.ToLower(t) == tag }) {
			continue
		}
		out = append(out, cloneItem(item))
	}
	slices.SortFunc(out, func(a, b archive.Item) int {
		if d := b.CreatedAt.Compare(a.CreatedAt); d != 0 {
			return d
		}
		return cmp.Compare(b.ID, a.ID)
	})
	limit := filter.Limit
	if limit <= 0 || limit > archive.DefaultListLimit {
		limit = archive.DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListAssets returns the assets of an item in insertion order.
func (c *Catalog) ListAssets(_ context.Context, itemID int64) ([]archive.Asset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]archive.Asset, 0)
	for _, a := range c.assets {
		if a.ItemID == itemID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b archive.Asset) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// GetAsset returns the asset or archive.ErrNotFound.
func (c *Catalog) GetAsset(_ context.Context, id int64) (archive.Asset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assets[id]
	if !ok {
		return archive.Asset{}, fmt.Errorf("asset %d: %w", id, archive.ErrNotFound)
	}
	return a, nil
}

func cloneItem(item archive.Item) archive.Item {
	item.Tags = slices.Clone(item.Tags)
	if item.Tags == nil {
		item.Tags = []string{}
	}
	return item
}
