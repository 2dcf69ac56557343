// Package sharding places user ids on shards with a consistent hash ring.
package sharding

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring points per shard.
const DefaultVirtualNodes = 100

type point struct {
	hash  uint64
	shard int
}

// Ring maps keys to shard ids. Explicit overrides (a user actually
// connected somewhere else) win over the hash. Not safe for concurrent use.
type Ring struct {
	points    []point
	shards    int
	overrides map[string]int
}

// New builds a ring over shards 0..shards-1 with vnodes points each.
func New(shards, vnodes int) (*Ring, error) {
	if shards < 1 {
		return nil, fmt.Errorf("sharding: need at least one shard, got %d", shards)
	}
	if vnodes < 1 {
		vnodes = DefaultVirtualNodes
	}
	r := &Ring{
		points:    make([]point, 0, shards*vnodes),
		shards:    shards,
		overrides: make(map[string]int),
	}
	for i := 0; i < shards; i++ {
		for j := 0; j < vnodes; j++ {
			r.points = append(r.points, point{
				hash:  xxhash.Sum64String(fmt.Sprintf("%d:%d", i, j)),
				shard: i,
			})
		}
	}
	sort.Slice(r.points, func(a, b int) bool { return r.points[a].hash < r.points[b].hash })
	return r, nil
}

// Shards returns the number of shards on the ring.
func (r *Ring) Shards() int {
	return r.shards
}

// Hash returns the default placement of key, ignoring overrides.
func (r *Ring) Hash(key string) int {
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].shard
}

// Locate returns the override for key if one is set, else its hash placement.
func (r *Ring) Locate(key string) int {
	if shard, ok := r.overrides[key]; ok {
		return shard
	}
	return r.Hash(key)
}

// Override pins key to shard.
func (r *Ring) Override(key string, shard int) {
	r.overrides[key] = shard
}

// ClearOverride drops a pin set by Override.
func (r *Ring) ClearOverride(key string) {
	delete(r.overrides, key)
}

// Overridden reports whether key is pinned.
func (r *Ring) Overridden(key string) (int, bool) {
	shard, ok := r.overrides[key]
	return shard, ok
}
