package collection

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/peridotdb/peridot/model"
)

// vnodesPerShard is the number of ring positions each shard occupies.
// More positions even out the key distribution between shards.
const vnodesPerShard = 64

// Ring routes points to shards by consistent hashing of the point id's
// canonical bytes. Routing depends only on the shard id set, so every
// node and every restart routes identically.
type Ring struct {
	hashes []uint64
	owners []model.ShardID
}

// NewRing builds the ring for a shard id set.
func NewRing(shards []model.ShardID) *Ring {
	type slot struct {
		hash  uint64
		owner model.ShardID
	}
	slots := make([]slot, 0, len(shards)*vnodesPerShard)
	for _, id := range shards {
		for v := 0; v < vnodesPerShard; v++ {
			h := fnv.New64a()
			fmt.Fprintf(h, "shard-%d-%d", id, v)
			slots = append(slots, slot{hash: h.Sum64(), owner: id})
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].hash != slots[j].hash {
			return slots[i].hash < slots[j].hash
		}
		return slots[i].owner < slots[j].owner
	})

	r := &Ring{
		hashes: make([]uint64, len(slots)),
		owners: make([]model.ShardID, len(slots)),
	}
	for i, s := range slots {
		r.hashes[i] = s.hash
		r.owners[i] = s.owner
	}
	return r
}

// Route returns the shard owning a point id.
func (r *Ring) Route(id model.PointID) model.ShardID {
	key := id.Canonical()
	h := fnv.New64a()
	h.Write(key[:])
	return r.owner(h.Sum64())
}

func (r *Ring) owner(hash uint64) model.ShardID {
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= hash })
	if i == len(r.hashes) {
		i = 0
	}
	return r.owners[i]
}
