package projection

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"feedsync/internal/models"
	"feedsync/internal/store/memstore"
)

func seed(t *testing.T, st *memstore.Store, ft models.FeedType, key string, attrs map[string]string) {
	t.Helper()
	if _, err := st.UpsertRecord(context.Background(), "b1", models.FeedRecord{FeedType: ft, NaturalKey: key, Attributes: attrs}); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func newTree(t *testing.T) (*OrgTree, *memstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := memstore.New()
	return NewOrgTree(rdb, st, 0, zap.NewNop()), st, mr
}

func TestRootsBuildsHierarchy(t *testing.T) {
	tree, st, _ := newTree(t)
	seed(t, st, models.FeedOrganization, "HQ", map[string]string{"name": "Head Office"})
	seed(t, st, models.FeedOrganization, "DEV", map[string]string{"name": "Development", "parentCode": "HQ", "sortOrder": "2"})
	seed(t, st, models.FeedOrganization, "OPS", map[string]string{"name": "Operations", "parentCode": "HQ", "sortOrder": "1"})
	seed(t, st, models.FeedOrganization, "LOST", map[string]string{"name": "Orphan", "parentCode": "NOPE"})
	seed(t, st, models.FeedEmployee, "E1", map[string]string{"organizationCode": "DEV"})
	seed(t, st, models.FeedEmployee, "E2", map[string]string{"organizationCode": "DEV"})

	roots, err := tree.Roots(context.Background())
	if err != nil {
		t.Fatalf("roots: %v", err)
	}
	if len(roots) != 2 || roots[0].Code != "HQ" || roots[1].Code != "LOST" {
		t.Fatalf("unexpected roots %+v", roots)
	}
	kids := roots[0].Children
	if len(kids) != 2 || kids[0].Code != "OPS" || kids[1].Code != "DEV" {
		t.Fatalf("children should follow sortOrder: %+v", kids)
	}
	if kids[1].Employees != 2 {
		t.Fatalf("expected 2 employees in DEV, got %d", kids[1].Employees)
	}
}

func TestRootsServesCacheUntilEvicted(t *testing.T) {
	tree, st, mr := newTree(t)
	seed(t, st, models.FeedOrganization, "HQ", map[string]string{"name": "Head Office"})

	if _, err := tree.Roots(context.Background()); err != nil {
		t.Fatalf("roots: %v", err)
	}
	if !mr.Exists(orgTreeKey) {
		t.Fatalf("tree should be cached")
	}
	if ttl := mr.TTL(orgTreeKey); ttl <= 0 {
		t.Fatalf("cache entry should expire, ttl %s", ttl)
	}

	seed(t, st, models.FeedOrganization, "BR", map[string]string{"name": "Branch"})
	roots, _ := tree.Roots(context.Background())
	if len(roots) != 1 {
		t.Fatalf("cached tree expected before eviction, got %d roots", len(roots))
	}

	if err := tree.Evict(context.Background(), models.FeedHoliday); err != nil {
		t.Fatalf("evict holiday: %v", err)
	}
	if !mr.Exists(orgTreeKey) {
		t.Fatalf("holiday sync must not evict the org tree")
	}
	if err := tree.Evict(context.Background(), models.FeedOrganization); err != nil {
		t.Fatalf("evict: %v", err)
	}
	roots, _ = tree.Roots(context.Background())
	if len(roots) != 2 {
		t.Fatalf("rebuilt tree should include the new org, got %d roots", len(roots))
	}
}

func TestRootsBreaksParentCycles(t *testing.T) {
	tree, st, _ := newTree(t)
	seed(t, st, models.FeedOrganization, "A", map[string]string{"name": "A", "parentCode": "B"})
	seed(t, st, models.FeedOrganization, "B", map[string]string{"name": "B", "parentCode": "A"})
	seed(t, st, models.FeedOrganization, "C", map[string]string{"name": "C", "parentCode": "A"})

	roots, err := tree.Roots(context.Background())
	if err != nil {
		t.Fatalf("roots: %v", err)
	}
	if len(roots) != 2 || len(roots[0].Children) != 1 || roots[0].Children[0].Code != "C" {
		t.Fatalf("unexpected roots %+v", roots)
	}
}

func TestRootsFallsBackWhenRedisDown(t *testing.T) {
	tree, st, mr := newTree(t)
	seed(t, st, models.FeedOrganization, "HQ", map[string]string{"name": "Head Office"})
	mr.Close()

	roots, err := tree.Roots(context.Background())
	if err != nil || len(roots) != 1 {
		t.Fatalf("expected store fallback, got %v %v", roots, err)
	}
	if err := tree.Evict(context.Background(), models.FeedOrganization); err == nil {
		t.Fatalf("evict should report redis errors")
	}
}

// evictingRecords evicts the tree the first time organizations are listed,
// as a sync finishing mid-build would.
type evictingRecords struct {
	Records
	tree    *OrgTree
	evicted bool
}

func (e *evictingRecords) ListRecords(ctx context.Context, ft models.FeedType) ([]models.FeedRecord, error) {
	out, err := e.Records.ListRecords(ctx, ft)
	if ft == models.FeedOrganization && !e.evicted {
		e.evicted = true
		if err := e.tree.Evict(ctx, models.FeedOrganization); err != nil {
			return nil, err
		}
	}
	return out, err
}

func TestRootsDoesNotCacheTreeEvictedDuringBuild(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := memstore.New()
	seed(t, st, models.FeedOrganization, "HQ", map[string]string{"name": "Head Office"})

	records := &evictingRecords{Records: st}
	tree := NewOrgTree(rdb, records, 0, zap.NewNop())
	records.tree = tree

	roots, err := tree.Roots(context.Background())
	if err != nil || len(roots) != 1 {
		t.Fatalf("roots: %v %v", roots, err)
	}
	if mr.Exists(orgTreeKey) {
		t.Fatalf("tree built before an eviction must not be cached")
	}

	if _, err := tree.Roots(context.Background()); err != nil {
		t.Fatalf("roots: %v", err)
	}
	if !mr.Exists(orgTreeKey) {
		t.Fatalf("tree built after the eviction should be cached")
	}
}
