package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"miniamm/internal/model"
)

// FileBaselineStore keeps baselines for every account in one JSON file.
// Writes go through a temp file and rename.
type FileBaselineStore struct {
	path string
	mu   sync.Mutex
}

func NewFileBaselineStore(path string) *FileBaselineStore {
	return &FileBaselineStore{path: path}
}

func (s *FileBaselineStore) LoadBaseline(_ context.Context, account common.Address) (model.Baseline, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return model.Baseline{}, false, err
	}
	b, ok := all[key(account)]
	return b, ok, nil
}

func (s *FileBaselineStore) SaveBaseline(_ context.Context, account common.Address, baseline model.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	all[key(account)] = baseline

	if err := ensureDir(s.path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal baselines: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write baselines tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename baselines: %w", err)
	}
	return nil
}

func (s *FileBaselineStore) readAll() (map[string]model.Baseline, error) {
	all := make(map[string]model.Baseline)
	stat, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return all, nil
		}
		return nil, fmt.Errorf("stat baselines: %w", err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("baseline path is a directory")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read baselines: %w", err)
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse baselines: %w", err)
	}
	return all, nil
}

func key(account common.Address) string {
	return strings.ToLower(account.Hex())
}
