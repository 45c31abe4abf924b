package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore keeps one JSON document per record under
// {dir}/{source}/chunk-NNNN.json. A single mutex serialises the
// read-check-write of Upsert; readers never see a partial file because
// every write goes through a temp file and rename.
type FileStore struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("job store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) Upsert(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(rec.SourceID, rec.ChunkIndex)
	prev, err := readRecord(path)
	switch {
	case err == nil:
		if err := CheckTransition(prev.State, rec.State); err != nil {
			return fmt.Errorf("%s: %w", rec.Key(), err)
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = prev.CreatedAt
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	rec.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rec.Key(), err)
	}
	return writeAtomic(path, data)
}

func (s *FileStore) Replace(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(rec.SourceID, rec.ChunkIndex)
	prev, err := readRecord(path)
	if err != nil {
		return err
	}
	if err := CheckReplace(prev.State, rec); err != nil {
		return fmt.Errorf("%s: %w", rec.Key(), err)
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rec.Key(), err)
	}
	return writeAtomic(path, data)
}

func (s *FileStore) Get(ctx context.Context, sourceID string, chunkIndex int) (Record, error) {
	return readRecord(s.path(sourceID, chunkIndex))
}

func (s *FileStore) List(ctx context.Context, sourceID string) ([]Record, error) {
	return listDir(filepath.Join(s.dir, SafeName(sourceID)))
}

func listDir(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var recs []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "chunk-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := readRecord(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ChunkIndex < recs[j].ChunkIndex })
	return recs, nil
}

func (s *FileStore) ListIncomplete(ctx context.Context, sourceID string) ([]Record, error) {
	recs, err := s.List(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return Incomplete(recs), nil
}

// Sources returns every source ID with at least one record.
func (s *FileStore) Sources(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		recs, err := listDir(filepath.Join(s.dir, e.Name()))
		if err != nil || len(recs) == 0 {
			continue
		}
		out = append(out, recs[0].SourceID)
	}
	return out, nil
}

// CountIncomplete counts non-terminal records across all sources.
func (s *FileStore) CountIncomplete(ctx context.Context) (int, error) {
	sources, err := s.Sources(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, src := range sources {
		inc, err := s.ListIncomplete(ctx, src)
		if err != nil {
			return 0, err
		}
		n += len(inc)
	}
	return n, nil
}

func (s *FileStore) path(sourceID string, chunkIndex int) string {
	return filepath.Join(s.dir, SafeName(sourceID), fmt.Sprintf("chunk-%04d.json", chunkIndex))
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return rec, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".job-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// SafeName maps a source ID to a single safe path element. Letters,
// digits, '-' and '.' pass through; every other byte, and a leading '.',
// is written as '_' plus two hex digits, so distinct IDs never share a name.
func SafeName(id string) string {
	if id == "" {
		return "_"
	}
	const hex = "0123456789abcdef"
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		case c == '.' && i > 0:
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
