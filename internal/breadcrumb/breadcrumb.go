// Package breadcrumb implements the breadcrumb log: an append-only,
// deterministic record of every action actually performed during a build,
// and a replay driver that turns such a record back into a synthetic
// plan.Plan whose order is exactly the recorded order, bypassing the
// dependency oracle entirely.
package breadcrumb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
	"github.com/orcaman/writerseeker"

	"github.com/kilnbuild/kiln/internal/action"
	"github.com/kilnbuild/kiln/internal/plan"
)

// header is the mandatory first line of a breadcrumb file.
const header = ";; Breadcrumbs"

// Record is one parsed breadcrumb line: `(<kind-tag> <system-name>
// <path-component>*)`.
type Record struct {
	Kind   string
	System string
	Path   []string
}

func (r Record) String() string {
	fields := append([]string{r.Kind, r.System}, r.Path...)
	return "(" + strings.Join(fields, " ") + ")"
}

func parseLine(line string) (Record, error) {
	if !strings.HasPrefix(line, "(") || !strings.HasSuffix(line, ")") {
		return Record{}, fmt.Errorf("malformed record %q", line)
	}
	fields := strings.Fields(line[1 : len(line)-1])
	if len(fields) < 2 {
		return Record{}, fmt.Errorf("record %q needs a kind tag and a system name", line)
	}
	return Record{Kind: fields[0], System: fields[1], Path: fields[2:]}, nil
}

// component is the trivial plan.Component a replayed action carries. A
// component's canonical path is exactly what a breadcrumb record stores; a
// catalog-backed component would carry richer metadata, but the replay path
// does not need it, since the performer is driven from the path alone.
type component string

func (c component) Path() string { return string(c) }

// Writer records every successfully performed action to a breadcrumb file,
// flushing a complete, valid file after each record so a reader inspecting
// it mid-build never observes a half-written line.
//
// On every append the header and all records so far are rendered again
// into a fresh in-memory writerseeker.WriterSeeker, and the file is then
// rewritten atomically to disk with renameio, optionally through a pgzip
// writer when the target path ends in ".gz".
type Writer struct {
	mu     sync.Mutex
	path   string
	system string
	gz     bool
	lines  []string
}

// NewWriter opens (truncating) path for breadcrumb recording, tagging every
// record with system — an implementation-chosen name identifying which
// catalog/oracle namespace produced the recorded actions. Load returns the
// name in Record.System; Plan does not compare it against anything.
func NewWriter(path, system string) (*Writer, error) {
	w := &Writer{path: path, system: system, gz: strings.HasSuffix(path, ".gz")}
	if err := w.flushLocked(); err != nil {
		return nil, fmt.Errorf("breadcrumb: %w", err)
	}
	return w, nil
}

// Append records one successfully performed action. Safe for concurrent
// use within one process. Worker processes do not hold a Writer: the
// coordinator appends background actions too, once their workers are
// reaped and the actions are marked done.
func (w *Writer) Append(key action.Key) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kindTag, path := action.Reify(key)
	rec := Record{Kind: kindTag, System: w.system, Path: strings.Split(path, "/")}
	w.lines = append(w.lines, rec.String())
	if err := w.flushLocked(); err != nil {
		return fmt.Errorf("breadcrumb: %w", err)
	}
	return nil
}

func (w *Writer) flushLocked() error {
	var staged writerseeker.WriterSeeker
	bw := bufio.NewWriter(&staged)
	fmt.Fprintln(bw, header)
	for _, line := range w.lines {
		fmt.Fprintln(bw, line)
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	t, err := renameio.TempFile("", w.path)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	var out io.Writer = t
	var gz *pgzip.Writer
	if w.gz {
		gz = pgzip.NewWriter(t)
		out = gz
	}
	if _, err := io.Copy(out, staged.BytesReader()); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return t.CloseAtomicallyReplace()
}

// Close is a no-op: every Append already leaves the file in a complete,
// closed, valid state. It exists so callers can defer it unconditionally.
func (w *Writer) Close() error { return nil }

// Load reads and parses a breadcrumb file, transparently gzip-decompressing
// it when the path ends in ".gz". klauspost/compress's gzip reader (not
// pgzip's) is sufficient here: decompression of a file this small gains
// nothing from pgzip's parallel inflate, and the reader accepts pgzip's
// output, since both produce standard gzip streams.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("breadcrumb: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("breadcrumb: %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		return nil, fmt.Errorf("breadcrumb: %s is empty, want a %q header", path, header)
	}
	if strings.TrimSpace(sc.Text()) != header {
		return nil, fmt.Errorf("breadcrumb: %s: first line %q, want %q", path, sc.Text(), header)
	}

	var records []Record
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("breadcrumb: %s: %w", path, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("breadcrumb: %s: %w", path, err)
	}
	return records, nil
}

// Plan reads a breadcrumb file and builds the synthetic, oracle-free
// plan.Plan whose order is exactly the recorded file order.
func Plan(path string) (*plan.Plan, error) {
	records, err := Load(path)
	if err != nil {
		return nil, err
	}

	keys := make([]action.Key, len(records))
	components := make(map[action.Key]plan.Component, len(records))
	for i, rec := range records {
		p := strings.Join(rec.Path, "/")
		key, err := action.FromReified(rec.Kind, p)
		if err != nil {
			return nil, fmt.Errorf("breadcrumb: %s: record %d: %w", path, i+1, err)
		}
		keys[i] = key
		components[key] = component(p)
	}
	return plan.BuildLinearSequence(keys, components), nil
}
