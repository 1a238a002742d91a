package broker

import (
	"encoding/binary"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// TopicResolver maps routing keys onto a fixed set of partition topics
// named "<base>.<n>". All messages of one key land on the same topic.
type TopicResolver struct {
	Base       string
	Partitions uint32
	Seed       string
}

func NewTopicResolver(base string, partitions uint32, seed string) TopicResolver {
	return TopicResolver{Base: base, Partitions: partitions, Seed: seed}
}

// Partition returns the partition of key.
func (r TopicResolver) Partition(key string) uint32 {
	if r.Partitions <= 1 {
		return 0
	}
	h, _ := blake2b.New(8, nil)
	if r.Seed != "" {
		h.Write([]byte(r.Seed))
		h.Write([]byte{0})
	}
	h.Write([]byte(key))
	v := binary.BigEndian.Uint64(h.Sum(nil))
	return uint32(v % uint64(r.Partitions))
}

// Topic returns the topic key is routed to. With at most one partition
// that is the base itself.
func (r TopicResolver) Topic(key string) string {
	if r.Partitions <= 1 {
		return r.Base
	}
	return r.Base + "." + strconv.FormatUint(uint64(r.Partition(key)), 10)
}

// All lists every topic of the resolver, in partition order.
func (r TopicResolver) All() []string {
	if r.Partitions <= 1 {
		return []string{r.Base}
	}
	out := make([]string, 0, r.Partitions)
	for i := range r.Partitions {
		out = append(out, r.Base+"."+strconv.FormatUint(uint64(i), 10))
	}
	return out
}
