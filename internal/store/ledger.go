package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

var ledgerHeader = []string{"ID", "Account", "Password", "Date"}

// Ledger is the append-only CSV of every registered account. Refresh batches
// are seeded from it.
type Ledger struct {
	path   string
	mu     sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

func NewLedger(path string, logger *zap.Logger) *Ledger {
	return &Ledger{
		path:   path,
		now:    time.Now,
		logger: logger.Named("ledger").With(zap.String("path", path)),
	}
}

// Append adds a row with the next free id, writing the header first when the
// file does not exist yet.
func (l *Ledger) Append(email, password string) (schemas.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	missing := errors.Is(err, fs.ErrNotExist)
	if err != nil && !missing {
		return schemas.LedgerEntry{}, err
	}

	next := 1
	for _, e := range entries {
		if e.ID >= next {
			next = e.ID + 1
		}
	}
	entry := schemas.LedgerEntry{
		ID:       next,
		Email:    email,
		Password: password,
		Date:     l.now().Format(schemas.DateLayout),
	}

	if missing {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return schemas.LedgerEntry{}, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return schemas.LedgerEntry{}, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		_ = w.Write(ledgerHeader)
	}
	_ = w.Write([]string{strconv.Itoa(entry.ID), entry.Email, entry.Password, entry.Date})
	w.Flush()
	if err := w.Error(); err != nil {
		return schemas.LedgerEntry{}, fmt.Errorf("failed to append to ledger: %w", err)
	}

	l.logger.Info("Appended account to ledger.", zap.String("email", email), zap.Int("id", entry.ID))
	return entry, nil
}

// ReadAll returns every row in file order. A missing file is an error.
func (l *Ledger) ReadAll() ([]schemas.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.read()
	if err != nil {
		return nil, err
	}
	l.logger.Info("Loaded accounts.", zap.Int("count", len(entries)))
	return entries, nil
}

func (l *Ledger) read() ([]schemas.LedgerEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()
	return parseLedger(f)
}

// parseLedger maps columns by header name. Rows with a non-numeric id keep
// ID 0 and never influence the next id.
func parseLedger(r io.Reader) ([]schemas.LedgerEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var entries []schemas.LedgerEntry
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read ledger row: %w", err)
		}
		id, _ := strconv.Atoi(field(row, "ID"))
		entries = append(entries, schemas.LedgerEntry{
			ID:       id,
			Email:    field(row, "Account"),
			Password: field(row, "Password"),
			Date:     field(row, "Date"),
		})
	}
	return entries, nil
}
