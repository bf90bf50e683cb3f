package bridge

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// ErrNoSequence is returned when a valid token names a target the store
// holds no sequence for. The request is dropped; nothing is replayed.
var ErrNoSequence = errors.New("no reconfiguration sequence")

// SequenceFile returns the store filename for a target.
func SequenceFile(target int) (string, error) {
	if target == BootTarget {
		return "bootloader.seq.gz", nil
	}
	if target < 0 || target >= TargetCount {
		return "", fmt.Errorf("no sequence file for target %d", target)
	}
	return fmt.Sprintf("slot%d.seq.gz", target), nil
}

// Store holds the pre-recorded reconfiguration sequences, one per slot
// plus one for bootloader return. Sequences are generated at build time
// and replayed verbatim; the store never interprets their contents and
// knows nothing about flash layout.
//
// Sequences are kept compressed in memory and decompressed per replay.
type Store struct {
	dir  string
	seqs map[int][]byte
}

// LoadStore reads every sequence file present in dir. Missing files are
// logged and skipped: a store may legitimately cover only the slots that
// are flashed. Each file present must decompress cleanly, so corruption
// surfaces at load time rather than during a replay.
func LoadStore(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("sequence directory: %w", err)
	}

	s := &Store{dir: dir, seqs: make(map[int][]byte)}
	for target := BootTarget; target < TargetCount; target++ {
		name, err := SequenceFile(target)
		if err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("no sequence file", zap.String("file", name))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read sequence %s: %w", name, err)
		}
		if err := checkSequence(raw); err != nil {
			return nil, fmt.Errorf("sequence %s is not replayable: %w", name, err)
		}
		s.seqs[target] = raw
		log.Info("loaded reconfiguration sequence",
			zap.String("file", name),
			zap.Int("compressed_bytes", len(raw)))
	}
	return s, nil
}

// checkSequence decompresses the whole sequence and discards it.
func checkSequence(raw []byte) error {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, zr); err != nil {
		zr.Close()
		return err
	}
	return zr.Close()
}

// Dir returns the directory the store was loaded from.
func (s *Store) Dir() string { return s.dir }

// Has reports whether a sequence exists for the target.
func (s *Store) Has(target int) bool {
	_, ok := s.seqs[target]
	return ok
}

// Targets returns the covered targets in ascending order, BootTarget
// first.
func (s *Store) Targets() []int {
	out := make([]int, 0, len(s.seqs))
	for t := range s.seqs {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

// Sequence returns a reader over the decompressed sequence for the
// target. The caller must close it.
func (s *Store) Sequence(target int) (io.ReadCloser, error) {
	raw, ok := s.seqs[target]
	if !ok {
		name, err := SequenceFile(target)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w for target %d (%s)", ErrNoSequence, target, name)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence for target %d: %w", target, err)
	}
	return zr, nil
}
