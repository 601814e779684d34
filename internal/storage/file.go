package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"escalator/internal/dispatch"
	logx "escalator/pkg/logx"
)

// fileStore is the memory store plus durability for single-process setups.
//
// Files:
//   - <prefix>.dispatches.snapshot.json (periodic snapshot, all rows)
//   - <prefix>.dispatches.journal.jsonl (append-only row upserts)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	*memStore

	log logx.Logger

	snapshotPath string
	journal      *os.File

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".dispatches.snapshot.json"
	journalPath := prefix + ".dispatches.journal.jsonl"

	rows := map[string]dispatch.Dispatch{}
	if err := loadSnapshot(snapPath, rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	mem := newMemStore()
	list := make([]dispatch.Dispatch, 0, len(rows))
	for _, r := range rows {
		list = append(list, r)
	}
	mem.load(list)

	fs := &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}
	mem.persist = fs.appendLocked
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("rows", len(list)))
	return fs, nil
}

// appendLocked runs under memStore.mu.
func (s *fileStore) appendLocked(rows ...dispatch.Dispatch) error {
	if s.journal == nil {
		return ErrClosed
	}
	enc := json.NewEncoder(s.journal)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort; the journal is still authoritative if this fails.
		if err := s.compactLocked(rows); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a snapshot of the current rows plus pending (not yet
// applied) and truncates the journal.
func (s *fileStore) compactLocked(pending []dispatch.Dispatch) error {
	all := make(map[string]dispatch.Dispatch, len(s.rows)+len(pending))
	for id, r := range s.rows {
		all[id] = r
	}
	for _, r := range pending {
		all[r.ID] = r
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) Ping(ctx context.Context) error {
	if err := s.memStore.Ping(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return dispatch.Unavailable("file", ErrClosed)
	}
	return nil
}

func (s *fileStore) Close() error {
	_ = s.memStore.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func loadSnapshot(path string, out map[string]dispatch.Dispatch) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]dispatch.Dispatch
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]dispatch.Dispatch) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for s.Scan() {
		var r dispatch.Dispatch
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			// Torn last line after a crash.
			continue
		}
		if r.ID == "" {
			continue
		}
		out[r.ID] = r
	}
	return s.Err()
}
