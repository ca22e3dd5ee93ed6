package journal

import (
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileJournal appends entries to a file in CBOR format.
// It is safe for concurrent use from multiple goroutines.
type FileJournal struct {
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
	errs    int
}

// OpenFile opens path for appending, creating it with mode 0644.
func OpenFile(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{file: f, encoder: NewEncoder(f)}, nil
}

// Record appends e.  Encoding failures are counted, not returned: the
// journal must never disturb the connection it observes.
func (j *FileJournal) Record(e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return
	}
	if err := j.encoder.Encode(e); err != nil {
		j.errs++
	}
}

// Errors returns the number of entries that failed to encode.
func (j *FileJournal) Errors() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errs
}

// Close closes the file.  It is safe to call Close multiple times;
// later Record calls are ignored.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

var _ Journal = (*FileJournal)(nil)

// Memory keeps entries in memory.  Used by the console and tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// Record appends e.
func (m *Memory) Record(e Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Kind returns the recorded entries of kind k.
func (m *Memory) Kind(k Kind) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

var _ Journal = (*Memory)(nil)

// Multi fans entries out to several journals.
type Multi []Journal

// Record forwards e to every journal.
func (m Multi) Record(e Entry) {
	for _, j := range m {
		j.Record(e)
	}
}

var _ Journal = Multi(nil)
