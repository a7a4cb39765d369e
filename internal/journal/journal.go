// Package journal appends accepted observations to a length-prefixed CBOR
// log so a session can be replayed or inspected after a crash.
package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/rs/zerolog"
)

const (
	magic     = "EGJRNL01"
	Extension = ".ejl"

	// MaxRecordSize bounds a single encoded observation.
	MaxRecordSize = 1 << 20
)

var (
	// ErrBadMagic is returned by Read for files that are not journals.
	ErrBadMagic = errors.New("not an observation journal")
	// ErrRecordTooLarge marks a record header whose length exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("journal record too large")
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Entry is one journal record.
type Entry struct {
	RecordedAt time.Time
	proctor.Observation
}

// Writer appends observations for one session.
type Writer struct {
	logger zerolog.Logger
	path   string

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
	n  int
}

// NewWriter creates <dir>/<timestamp>_<sessionID>.ejl.
func NewWriter(logger zerolog.Logger, dir, sessionID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s%s", timestamp, sessionID, Extension))
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 64*1024)
	if _, err := w.WriteString(magic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}

	logger = logger.With().Str("component", "journal").Str("session", sessionID).Logger()
	logger.Debug().Str("path", path).Msg("journal opened")

	return &Writer{logger: logger, path: path, f: f, w: w}, nil
}

// Path returns the journal file path.
func (j *Writer) Path() string {
	return j.path
}

// Record appends obs and flushes it to the file.
func (j *Writer) Record(obs proctor.Observation) error {
	payload, err := encMode.Marshal(obs)
	if err != nil {
		return errors.Wrap(err, "encode observation")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return errors.New("journal writer is closed")
	}

	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := j.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := j.w.Write(payload); err != nil {
		return err
	}
	j.n++
	return j.w.Flush()
}

// Close flushes and closes the file.
func (j *Writer) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return nil
	}
	if err := j.w.Flush(); err != nil {
		_ = j.f.Close()
		j.w = nil
		return err
	}
	err := j.f.Close()
	j.w = nil
	j.logger.Debug().Int("records", j.n).Msg("journal closed")
	return err
}

// Read loads every complete record of the journal at path. A record cut
// short by a crash ends the read without error.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	err = Scan(bufio.NewReader(f), func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read journal %s", path)
	}
	return entries, nil
}

// Scan decodes records from r in order and calls fn for each.
func Scan(r io.Reader, fn func(Entry) error) error {
	header := make([]byte, len(magic))
	if _, err := io.ReadFull(r, header); err != nil || string(header) != magic {
		return ErrBadMagic
	}

	for i := 0; ; i++ {
		var meta [12]byte
		if _, err := io.ReadFull(r, meta[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		ts := int64(binary.LittleEndian.Uint64(meta[:8]))
		size := binary.LittleEndian.Uint32(meta[8:12])
		if size > MaxRecordSize {
			return errors.Wrapf(ErrRecordTooLarge, "record %d: %d bytes", i, size)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}

		var obs proctor.Observation
		if err := cbor.Unmarshal(payload, &obs); err != nil {
			return errors.Wrapf(err, "record %d", i)
		}
		if err := fn(Entry{RecordedAt: time.Unix(0, ts), Observation: obs}); err != nil {
			return err
		}
	}
}
