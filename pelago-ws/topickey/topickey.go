// Package topickey derives the canonical topic keys subscriptions are stored
// under and assigns them to one of a fixed number of physical shards.
package topickey

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// ShardCount is the number of physical sub-keys each topic is split across.
// Writes pick one at random, reads enumerate all of them, so the value only
// affects load spread, never correctness.
const ShardCount = 8

// Arg is a single subscription filter argument, post variable substitution.
type Arg struct {
	Name  string
	Value string
}

// Encode derives the canonical topic key for a subscription sub-field.
// Arguments are sorted by name so that two clients listing the same filter
// arguments in a different order land on the same topic.
func Encode(rootField, childField string, args []Arg) string {
	sorted := make([]Arg, len(args))
	copy(sorted, args)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	segments := make([]string, len(sorted))
	for i, arg := range sorted {
		segments[i] = arg.Name + "#" + arg.Value
	}
	return rootField + ":" + childField + ":" + strings.Join(segments, "/")
}

// WriteShard picks the shard a new subscription record is stored under.
func WriteShard() int {
	return rand.Intn(ShardCount)
}

// ReadShards enumerates every shard in ascending order. Readers must scan all
// of them: the writer's random assignment is never recorded anywhere else.
func ReadShards() []int {
	shards := make([]int, ShardCount)
	for i := range shards {
		shards[i] = i
	}
	return shards
}

// Sharded is the physical index key for one shard of a topic.
func Sharded(topicKey string, shard int) string {
	return fmt.Sprintf("%v-%v", topicKey, shard)
}
