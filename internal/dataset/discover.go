package dataset

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// ShardName returns the canonical file name of shard index i.
func ShardName(i int) string { return fmt.Sprintf("shard-%06d.tar", i) }

// DiscoverShards returns the shard files beneath root in lexical order.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverByRoot scans each root independently. Roots without shards are
// kept with an empty list so callers can report them.
func DiscoverByRoot(roots []string) (map[string][]string, error) {
	result := make(map[string][]string, len(roots))
	for _, root := range roots {
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", root, err)
		}
		result[root] = shards
	}
	return result, nil
}

// CountShards sums the shards of every root.
func CountShards(roots map[string][]string) int {
	n := 0
	for _, shards := range roots {
		n += len(shards)
	}
	return n
}
