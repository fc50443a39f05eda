// Package projection maintains read models derived from synchronized feed records.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"feedsync/internal/models"
)

const orgTreeKey = "projection:org-tree"

// generationKey counts evictions of key. A rebuilt projection is cached only
// if no eviction happened while it was being built.
func generationKey(key string) string { return key + ":gen" }

var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[2] then return 0 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// evictKeys lists the cached projections built from each feed type.
var evictKeys = map[models.FeedType][]string{
	models.FeedOrganization: {orgTreeKey},
	models.FeedEmployee:     {orgTreeKey},
}

// Records reads authoritative feed records.
type Records interface {
	ListRecords(ctx context.Context, feedType models.FeedType) ([]models.FeedRecord, error)
}

// OrgNode is one organization in the tree.
type OrgNode struct {
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	Status    string     `json:"status,omitempty"`
	Employees int        `json:"employees"`
	Children  []*OrgNode `json:"children,omitempty"`

	sortOrder int
}

// OrgTree caches the organization hierarchy in Redis.
type OrgTree struct {
	rdb     redis.Cmdable
	records Records
	ttl     time.Duration
	log     *zap.Logger
}

func NewOrgTree(rdb redis.Cmdable, records Records, ttl time.Duration, logger *zap.Logger) *OrgTree {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &OrgTree{rdb: rdb, records: records, ttl: ttl, log: logger}
}

// Evict drops projections built from feedType.
func (o *OrgTree) Evict(ctx context.Context, feedType models.FeedType) error {
	keys := evictKeys[feedType]
	if len(keys) == 0 {
		return nil
	}
	_, err := o.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Incr(ctx, generationKey(k))
			p.Del(ctx, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("evict %s projections: %w", feedType, err)
	}
	return nil
}

// Roots returns the top-level organizations, from cache when present.
func (o *OrgTree) Roots(ctx context.Context) ([]*OrgNode, error) {
	// read the generation first so an eviction during build is detected
	gen, genErr := o.rdb.Get(ctx, generationKey(orgTreeKey)).Result()
	if errors.Is(genErr, redis.Nil) {
		gen, genErr = "0", nil
	}

	cached, err := o.rdb.Get(ctx, orgTreeKey).Bytes()
	switch {
	case err == nil:
		var roots []*OrgNode
		if jerr := json.Unmarshal(cached, &roots); jerr == nil {
			return roots, nil
		}
		o.log.Warn("discarding unreadable org tree cache")
	case !errors.Is(err, redis.Nil):
		// serve from the store while redis is unavailable
		o.log.Warn("org tree cache read failed", zap.Error(err))
	}

	roots, err := o.build(ctx)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		return roots, nil
	}
	if b, err := json.Marshal(roots); err == nil {
		keys := []string{orgTreeKey, generationKey(orgTreeKey)}
		stored, err := setIfGeneration.Run(ctx, o.rdb, keys, b, gen, o.ttl.Milliseconds()).Int()
		switch {
		case err != nil:
			o.log.Warn("org tree cache write failed", zap.Error(err))
		case stored == 0:
			o.log.Debug("org tree evicted during build; not caching")
		}
	}
	return roots, nil
}

func (o *OrgTree) build(ctx context.Context) ([]*OrgNode, error) {
	orgs, err := o.records.ListRecords(ctx, models.FeedOrganization)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	employees, err := o.records.ListRecords(ctx, models.FeedEmployee)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}

	nodes := make(map[string]*OrgNode, len(orgs))
	for _, r := range orgs {
		order, _ := strconv.Atoi(r.Attributes["sortOrder"])
		nodes[r.NaturalKey] = &OrgNode{
			Code:      r.NaturalKey,
			Name:      r.Attributes["name"],
			Status:    r.Attributes["status"],
			sortOrder: order,
		}
	}
	for _, e := range employees {
		if n, ok := nodes[e.Attributes["organizationCode"]]; ok {
			n.Employees++
		}
	}

	parents := make(map[string]string, len(orgs))
	for _, r := range orgs {
		parents[r.NaturalKey] = r.Attributes["parentCode"]
	}
	var roots []*OrgNode
	for _, r := range orgs {
		n := nodes[r.NaturalKey]
		parent, ok := nodes[parents[n.Code]]
		// orphans and members of a parent cycle surface as roots
		if !ok || onCycle(parents, n.Code) {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}
	sortNodes(roots)
	return roots, nil
}

// onCycle reports whether following parentCode links from code leads back to it.
func onCycle(parents map[string]string, code string) bool {
	seen := map[string]bool{}
	for cur := parents[code]; cur != "" && !seen[cur]; cur = parents[cur] {
		if cur == code {
			return true
		}
		seen[cur] = true
	}
	return false
}

func sortNodes(nodes []*OrgNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].sortOrder != nodes[j].sortOrder {
			return nodes[i].sortOrder < nodes[j].sortOrder
		}
		return nodes[i].Code < nodes[j].Code
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}
