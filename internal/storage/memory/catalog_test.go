package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

func TestCatalogCreateItemReusesTagsCaseInsensitively(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	ctx := context.Background()

	first, err := c.CreateItem(ctx, archive.Item{URL: "https://a.test"}, []string{" News ", "", "news", "Go"})
	require.NoError(t, err)
	require.Equal(t, []string{"News", "Go"}, first.Tags)

	second, err := c.CreateItem(ctx, archive.Item{URL: "https://b.test"}, []string{"NEWS"})
	require.NoError(t, err)
	require.Equal(t, []string{"News"}, second.Tags)
	require.NotEqual(t, first.ID, second.ID)
}

func TestCatalogGetUpdateNotFound(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	ctx := context.Background()

	_, err := c.GetItem(ctx, 99)
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.ErrorIs(t, c.UpdateItem(ctx, archive.Item{ID: 99}), archive.ErrNotFound)
	_, err = c.InsertAsset(ctx, archive.Asset{ItemID: 99})
	require.ErrorIs(t, err, archive.ErrNotFound)
	_, err = c.GetAsset(ctx, 1)
	require.ErrorIs(t, err, archive.ErrNotFound)

	item, err := c.CreateItem(ctx, archive.Item{URL: "https://a.test", Status: archive.StatusQueued}, []string{"x"})
	require.NoError(t, err)
	item.Status = archive.StatusDone
	item.Tags = nil
	require.NoError(t, c.UpdateItem(ctx, item))

	got, err := c.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, archive.StatusDone, got.Status)
	require.Equal(t, []string{"x"}, got.Tags)
}

func TestCatalogListItemsFiltersAndOrders(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := c.CreateItem(ctx, archive.Item{URL: "https://go.dev/blog", Title: "Generics", CreatedAt: base}, []string{"go"})
	require.NoError(t, err)
	_, err = c.CreateItem(ctx, archive.Item{URL: "https://news.test/a", Title: "Weather report", CreatedAt: base.Add(time.Hour)}, []string{"News"})
	require.NoError(t, err)
	_, err = c.CreateItem(ctx, archive.Item{URL: "https://news.test/b", Title: "GO release", CreatedAt: base.Add(2 * time.Hour)}, nil)
	require.NoError(t, err)

	all, err := c.ListItems(ctx, archive.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "https://news.test/b", all[0].URL)
	require.Equal(t, "https://go.dev/blog", all[2].URL)

	byQuery, err := c.ListItems(ctx, archive.ItemFilter{Query: "go"})
	require.NoError(t, err)
	require.Len(t, byQuery, 2)

	byTag, err := c.ListItems(ctx, archive.ItemFilter{Tag: "NEWS"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	require.Equal(t, "https://news.test/a", byTag[0].URL)

	limited, err := c.ListItems(ctx, archive.ItemFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestCatalogAssets(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	ctx := context.Background()
	item, err := c.CreateItem(ctx, archive.Item{URL: "https://a.test"}, nil)
	require.NoError(t, err)

	a1, err := c.InsertAsset(ctx, archive.Asset{ItemID: item.ID, Kind: archive.KindHTML, Path: "html/item_1.html"})
	require.NoError(t, err)
	a2, err := c.InsertAsset(ctx, archive.Asset{ItemID: item.ID, Kind: archive.KindImage, Path: "files/x.png"})
	require.NoError(t, err)

	assets, err := c.ListAssets(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{a1.ID, a2.ID}, []int64{assets[0].ID, assets[1].ID})

	got, err := c.GetAsset(ctx, a2.ID)
	require.NoError(t, err)
	require.Equal(t, "files/x.png", got.Path)
	require.False(t, got.CreatedAt.IsZero())
}
