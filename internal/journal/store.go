// Package journal keeps an append-only on-disk record of every deployment run.
//
// Each run lives in <root>/<run-id>/ with a meta.pb file and a length-delimited
// stream of events. While a run is active the stream is events.bin; when the
// run finishes it is compacted to events.bin.zst.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/antonkrylov/nix-simple-deploy/internal/events"
)

const (
	metaFile       = "meta.pb"
	eventsFile     = "events.bin"
	compressedFile = "events.bin.zst"

	maxRecord = 16 * 1024 * 1024
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// Meta describes one run.
type Meta struct {
	RunID      string
	Host       string
	Path       string
	Action     string
	Transport  string
	CreatedAt  time.Time
	FinishedAt time.Time
	// Outcome is empty while running, then "succeeded" or "failed".
	Outcome string
	Error   string
}

type Store struct {
	rootDir string
}

func New(rootDir string) *Store {
	return &Store{rootDir: rootDir}
}

func (s *Store) Root() string {
	return s.rootDir
}

// Create starts a new run. If meta.RunID is empty a fresh ID is assigned.
func (s *Store) Create(meta Meta) (*Run, error) {
	if meta.RunID == "" {
		meta.RunID = uuid.NewString()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	dir := filepath.Join(s.rootDir, meta.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	r := &Run{
		dir:    dir,
		meta:   meta,
		nextID: 1,
	}
	if err := writeMeta(filepath.Join(dir, metaFile), meta); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	r.file = f
	r.bw = bufio.NewWriterSize(f, 64*1024)
	return r, nil
}

// List returns all runs, oldest first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.rootDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Meta, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := readMeta(filepath.Join(s.rootDir, e.Name(), metaFile))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Get(runID string) (Meta, error) {
	if runID == "" || filepath.Base(runID) != runID {
		return Meta{}, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	meta, err := readMeta(filepath.Join(s.rootDir, runID, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return meta, err
}

// Replay calls send for every recorded event of runID in order.
func (s *Store) Replay(runID string, send func(events.Event) error) error {
	if send == nil {
		return fmt.Errorf("send is required")
	}
	if _, err := s.Get(runID); err != nil {
		return err
	}
	dir := filepath.Join(s.rootDir, runID)

	var r io.Reader
	if f, err := os.Open(filepath.Join(dir, compressedFile)); err == nil {
		defer f.Close()
		dec, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer dec.Close()
		r = dec
	} else if errors.Is(err, os.ErrNotExist) {
		f, err := os.Open(filepath.Join(dir, eventsFile))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	} else {
		return err
	}

	br := bufio.NewReader(r)
	for {
		msg, err := readDelimited(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		ev, err := events.Unmarshal(msg)
		if err != nil {
			return err
		}
		if err := send(ev); err != nil {
			return err
		}
	}
}

// Run is an open journal for one deployment.
type Run struct {
	dir string

	mu     sync.Mutex
	meta   Meta
	nextID int64
	file   *os.File
	bw     *bufio.Writer
	err    error
	closed bool
}

func (r *Run) ID() string {
	return r.meta.RunID
}

// Observe appends ev. The first write error is kept and returned by Finish.
func (r *Run) Observe(ev events.Event) {
	if _, err := r.Append(ev); err != nil {
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
	}
}

// Append assigns the next sequence number and writes ev.
func (r *Run) Append(ev events.Event) (events.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ev, fmt.Errorf("run %s is finished", r.meta.RunID)
	}
	ev.Seq = r.nextID
	ev.RunID = r.meta.RunID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b, err := events.Marshal(ev)
	if err != nil {
		return ev, err
	}
	if err := writeDelimited(r.bw, b); err != nil {
		return ev, err
	}
	r.nextID++
	if ev.Phase.Terminal() {
		if err := r.bw.Flush(); err != nil {
			return ev, err
		}
		if err := r.file.Sync(); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// Finish records the outcome, closes the event stream and compacts it.
func (r *Run) Finish(runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	r.meta.FinishedAt = time.Now()
	r.meta.Outcome = "succeeded"
	if runErr != nil {
		r.meta.Outcome = "failed"
		r.meta.Error = runErr.Error()
	}

	if err := r.bw.Flush(); err != nil && r.err == nil {
		r.err = err
	}
	if err := r.file.Close(); err != nil && r.err == nil {
		r.err = err
	}
	if err := compress(filepath.Join(r.dir, eventsFile), filepath.Join(r.dir, compressedFile)); err != nil && r.err == nil {
		r.err = err
	}
	if err := writeMeta(filepath.Join(r.dir, metaFile), r.meta); err != nil && r.err == nil {
		r.err = err
	}
	return r.err
}

func compress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func readDelimited(r *bufio.Reader) ([]byte, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if l == 0 {
		return nil, fmt.Errorf("invalid record length 0")
	}
	if l > maxRecord {
		return nil, fmt.Errorf("record too large: %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeDelimited(w *bufio.Writer, msg []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(msg)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func writeMeta(path string, m Meta) error {
	fields := map[string]any{
		"run_id":     m.RunID,
		"host":       m.Host,
		"path":       m.Path,
		"action":     m.Action,
		"transport":  m.Transport,
		"created_at": formatTime(m.CreatedAt),
		"finished":   formatTime(m.FinishedAt),
		"outcome":    m.Outcome,
		"error":      m.Error,
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readMeta(path string) (Meta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return Meta{}, err
	}
	f := s.GetFields()
	return Meta{
		RunID:      f["run_id"].GetStringValue(),
		Host:       f["host"].GetStringValue(),
		Path:       f["path"].GetStringValue(),
		Action:     f["action"].GetStringValue(),
		Transport:  f["transport"].GetStringValue(),
		CreatedAt:  parseTime(f["created_at"].GetStringValue()),
		FinishedAt: parseTime(f["finished"].GetStringValue()),
		Outcome:    f["outcome"].GetStringValue(),
		Error:      f["error"].GetStringValue(),
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
