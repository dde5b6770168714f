package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
)

var (
	shardRegexp      = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)
	cifarTrainRegexp = regexp.MustCompile(`^data_batch_[0-9]+\.bin$`)
	cifarTestRegexp  = regexp.MustCompile(`^test_batch\.bin$`)
)

// DiscoverShards returns paths to shard TAR files beneath root. A missing root yields no shards.
func DiscoverShards(root string) ([]string, error) {
	return discover(root, shardRegexp)
}

// DiscoverCIFAR returns the CIFAR-10 binary batch files of one split beneath root.
func DiscoverCIFAR(root string, train bool) ([]string, error) {
	if train {
		return discover(root, cifarTrainRegexp)
	}
	return discover(root, cifarTestRegexp)
}

func discover(root string, re *regexp.Regexp) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if re.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}
	sort.Strings(entries)
	return entries, nil
}
