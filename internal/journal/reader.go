package journal

import (
	"errors"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects entries.  Zero fields match everything.
type Filter struct {
	Connection string
	Kind       Kind
}

func (f Filter) matches(e Entry) bool {
	if f.Connection != "" && e.Connection != f.Connection {
		return false
	}
	if f.Kind != 0 && e.Kind != f.Kind {
		return false
	}
	return true
}

// Reader streams entries from a journal file.
type Reader struct {
	closer io.Closer
	dec    *cbor.Decoder
	filter Filter
}

// NewReader opens path and reads every entry.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens path and reads entries matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{closer: f, dec: NewDecoder(f), filter: filter}, nil
}

// NewStreamReader reads entries from r.  Close is a no-op.
func NewStreamReader(r io.Reader, filter Filter) *Reader {
	return &Reader{closer: nopCloser{}, dec: NewDecoder(r), filter: filter}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Next returns the next matching entry, or io.EOF at the end.
func (r *Reader) Next() (Entry, error) {
	for {
		var e Entry
		if err := r.dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return Entry{}, io.EOF
			}
			return Entry{}, err
		}
		if r.filter.matches(e) {
			return e, nil
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.closer.Close()
}

// ReadAll returns every entry in path matching filter.
func ReadAll(path string, filter Filter) ([]Entry, error) {
	r, err := NewFilteredReader(path, filter)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []Entry
	for {
		e, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
