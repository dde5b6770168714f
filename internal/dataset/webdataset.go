package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams decoded samples from the WebDataset shard at path. Image
// and .cls entries sharing a key are paired regardless of their order in the tar.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(pendingSet)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)

			switch ext {
			case ".jpg", ".jpeg", ".png":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read image %s: %w", name, err)
					return
				}
				pixels, err := decodeImage(data)
				if err != nil {
					errCh <- fmt.Errorf("decode image %s: %w", name, err)
					return
				}
				pending.part(key).pixels = pixels
			case ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read label %s: %w", name, err)
					return
				}
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- fmt.Errorf("parse label %s: %w", name, err)
					return
				}
				if label < 0 || label >= NumClasses {
					errCh <- fmt.Errorf("label %s: %d out of range", name, label)
					return
				}
				pending.part(key).label = &label
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part := pending[key]; part.ready() {
				sample := Sample{Key: key, Pixels: part.pixels, Label: *part.label}
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	pixels []uint8
	label  *int
}

func (p *partial) ready() bool {
	return p != nil && len(p.pixels) > 0 && p.label != nil
}

type pendingSet map[string]*partial

func (s pendingSet) part(key string) *partial {
	p := s[key]
	if p == nil {
		p = &partial{}
		s[key] = p
	}
	return p
}

// LoadShards reads every shard in order into a single dataset.
func LoadShards(ctx context.Context, shards []string, name string) (*Dataset, error) {
	ds := &Dataset{Name: name}
	for _, path := range shards {
		samples, errCh := StreamShard(ctx, path, defaultPendingCap)
		for sample := range samples {
			ds.Samples = append(ds.Samples, sample)
		}
		if err := <-errCh; err != nil {
			return nil, fmt.Errorf("shard %s: %w", filepath.Base(path), err)
		}
	}
	return ds, nil
}
