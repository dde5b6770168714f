package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// cifarRecordSize is one label byte followed by 1024 red, 1024 green and 1024 blue bytes.
const cifarRecordSize = 1 + ImageSize

// ReadCIFARFile parses one CIFAR-10 binary batch file.
func ReadCIFARFile(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}
	defer f.Close()

	base := filepath.Base(path)
	r := bufio.NewReaderSize(f, 1<<20)
	var samples []Sample
	for i := 0; ; i++ {
		rec := make([]byte, cifarRecordSize)
		_, err := io.ReadFull(r, rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s record %d: %w", base, i, err)
		}
		label := int(rec[0])
		if label >= NumClasses {
			return nil, fmt.Errorf("read %s record %d: label %d out of range", base, i, label)
		}
		samples = append(samples, Sample{
			Key:    base + ":" + strconv.Itoa(i),
			Pixels: rec[1:],
			Label:  label,
		})
	}
	return samples, nil
}

// LoadCIFAR10 reads every batch file into a single dataset.
func LoadCIFAR10(files []string, name string) (*Dataset, error) {
	ds := &Dataset{Name: name}
	for _, path := range files {
		samples, err := ReadCIFARFile(path)
		if err != nil {
			return nil, err
		}
		ds.Samples = append(ds.Samples, samples...)
	}
	return ds, nil
}
