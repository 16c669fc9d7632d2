package router

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/sluice/transport"
)

const defaultVirtualNodes = 64

// hashRing maps partition keys to endpoints with virtual nodes. It is built
// once from the configured endpoints and never mutated afterwards.
type hashRing struct {
	ring    []uint64
	ringMap map[uint64]transport.Endpoint
}

func newHashRing(endpoints []transport.Endpoint, vnodes int) *hashRing {
	r := &hashRing{
		ring:    make([]uint64, 0, len(endpoints)*vnodes),
		ringMap: make(map[uint64]transport.Endpoint, len(endpoints)*vnodes),
	}
	for _, ep := range endpoints {
		for i := 0; i < vnodes; i++ {
			h := xxhash.Sum64String(ep.String() + "#" + strconv.Itoa(i))
			if _, taken := r.ringMap[h]; taken {
				continue
			}
			r.ring = append(r.ring, h)
			r.ringMap[h] = ep
		}
	}
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
	return r
}

// get returns the endpoint owning key
func (r *hashRing) get(key string) (transport.Endpoint, bool) {
	if len(r.ring) == 0 {
		return transport.Endpoint{}, false
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i] >= h })
	if idx >= len(r.ring) {
		idx = 0
	}
	return r.ringMap[r.ring[idx]], true
}
