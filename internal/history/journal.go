package history

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fractal-lba/creditscore/internal/api"
)

// JournalStore is an append-only JSON-lines journal. Every append is fsynced;
// once the journal holds compactFactor times the retained limit it is
// rewritten to the newest records through a temp file and an atomic rename.
type JournalStore struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	lines int
}

const compactFactor = 2

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*JournalStore, error) {
	if path == "" {
		return nil, eris.New("history: journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "history: create journal directory")
	}
	recs, err := readJournal(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, eris.Wrap(err, "history: open journal")
	}
	if err := terminateTornLine(f); err != nil {
		f.Close()
		return nil, err
	}
	return &JournalStore{path: path, file: f, lines: len(recs)}, nil
}

// terminateTornLine appends a newline when the journal ends mid-record so the
// next append starts on its own line.
func terminateTornLine(f *os.File) error {
	st, err := f.Stat()
	if err != nil {
		return eris.Wrap(err, "history: stat journal")
	}
	if st.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return eris.Wrap(err, "history: read journal tail")
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return eris.Wrap(err, "history: terminate journal")
	}
	return f.Sync()
}

func (j *JournalStore) Append(_ context.Context, rec api.HistoryRecord, limit int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "history: marshal record")
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return eris.Wrap(err, "history: write journal")
	}
	if err := j.file.Sync(); err != nil {
		return eris.Wrap(err, "history: sync journal")
	}
	j.lines++

	if j.lines >= compactFactor*limit {
		if err := j.compact(limit); err != nil {
			// the append itself is durable; a failed compaction is retried next time
			zap.L().Warn("history journal compaction failed", zap.String("path", j.path), zap.Error(err))
		}
	}
	return nil
}

func (j *JournalStore) Load(_ context.Context, limit int) ([]api.HistoryRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	recs, err := readJournal(j.path)
	if err != nil {
		return nil, err
	}
	return newestFirst(recs, limit), nil
}

// compact rewrites the journal to the newest limit records, oldest first.
func (j *JournalStore) compact(limit int) error {
	recs, err := readJournal(j.path)
	if err != nil {
		return err
	}
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.path), filepath.Base(j.path)+".compact-*")
	if err != nil {
		return eris.Wrap(err, "history: create compaction file")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			return eris.Wrap(err, "history: encode compacted record")
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return eris.Wrap(err, "history: flush compaction file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return eris.Wrap(err, "history: sync compaction file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "history: close compaction file")
	}
	if err := os.Rename(tmp.Name(), j.path); err != nil {
		return eris.Wrap(err, "history: replace journal")
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrap(err, "history: reopen journal")
	}
	j.file.Close()
	j.file = f
	j.lines = len(recs)
	return nil
}

func (j *JournalStore) Name() string { return BackendFile }

func (j *JournalStore) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return eris.Wrap(err, "history: sync journal")
	}
	return j.file.Close()
}

// readJournal returns the records in file order. A torn trailing line from a
// crash mid-write is skipped, as is any other line that does not decode.
func readJournal(path string) ([]api.HistoryRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "history: open journal")
	}
	defer f.Close()

	var recs []api.HistoryRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r api.HistoryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "history: scan journal")
	}
	return recs, nil
}

// newestFirst reverses an oldest-first slice and keeps at most limit records.
func newestFirst(recs []api.HistoryRecord, limit int) []api.HistoryRecord {
	n := min(len(recs), limit)
	out := make([]api.HistoryRecord, 0, n)
	for i := len(recs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, recs[i])
	}
	return out
}
