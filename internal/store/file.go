package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore keeps every record in one indented JSON array.
type FileStore struct {
	path   string
	mu     sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

// NewFileStore returns a store backed by path. The file is created on the
// first write.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{
		path:   path,
		now:    time.Now,
		logger: logger.Named("store").With(zap.String("path", path)),
	}
}

func (s *FileStore) Upsert(_ context.Context, b schemas.CookieBundle) (schemas.AccountRecord, error) {
	if err := validate(b); err != nil {
		return schemas.AccountRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return schemas.AccountRecord{}, err
	}

	idx := -1
	for i, r := range records {
		if r.Email == b.Email {
			idx = i
			break
		}
	}

	var rec schemas.AccountRecord
	if idx >= 0 {
		rec = newRecord(records[idx].ID, b, s.now())
		if records[idx].CreatedAt != "" {
			rec.CreatedAt = records[idx].CreatedAt
		}
		records[idx] = rec
		s.logger.Info("Updated account.", zap.String("email", b.Email))
	} else {
		rec = newRecord(nextAccountID(records), b, s.now())
		records = append(records, rec)
		s.logger.Info("Added new account.", zap.String("email", b.Email))
	}

	if err := s.write(records); err != nil {
		return schemas.AccountRecord{}, err
	}
	return rec, nil
}

func (s *FileStore) List(_ context.Context) ([]schemas.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) Emails(ctx context.Context) (map[string]struct{}, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	emails := make(map[string]struct{}, len(records))
	for _, r := range records {
		emails[r.Email] = struct{}{}
	}
	return emails, nil
}

func (s *FileStore) Close() {}

// read treats a missing file as an empty store.
func (s *FileStore) read() ([]schemas.AccountRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []schemas.AccountRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	return records, nil
}

// write replaces the file through a rename so readers never see a partial
// array.
func (s *FileStore) write(records []schemas.AccountRecord) error {
	if records == nil {
		records = []schemas.AccountRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create accounts directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write accounts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write accounts: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace accounts file: %w", err)
	}
	s.logger.Debug("Saved records.", zap.Int("count", len(records)))
	return nil
}
