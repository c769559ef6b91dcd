package breadcrumb

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/kilnbuild/kiln/internal/action"
)

func TestWriterRecordsInAppendOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crumbs")
	w, err := NewWriter(path, "kiln")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	keys := []action.Key{
		action.NewKey(action.Compile, "lib/a"),
		action.NewKey(action.Compile, "lib/b"),
		action.NewKey(action.Load, "lib/b"),
	}
	for _, k := range keys {
		if err := w.Append(k); err != nil {
			t.Fatalf("Append(%v): %v", k, err)
		}
	}

	records, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != len(keys) {
		t.Fatalf("Load returned %d records, want %d", len(records), len(keys))
	}
	for i, k := range keys {
		wantKind, wantPath := action.Reify(k)
		if records[i].Kind != wantKind || records[i].System != "kiln" {
			t.Fatalf("record[%d] = %+v, want kind %q system kiln", i, records[i], wantKind)
		}
		gotPath := records[i].Path
		if len(gotPath) == 0 {
			t.Fatalf("record[%d].Path is empty", i)
		}
		if got := joinPathComponents(gotPath); got != wantPath {
			t.Fatalf("record[%d] path = %q, want %q", i, got, wantPath)
		}
	}
}

func TestWriterFileIsAlwaysCompleteAfterAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crumbs")
	w, err := NewWriter(path, "kiln")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := w.Append(action.NewKey(action.Compile, "x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
		// After every single append, the file on disk must already parse
		// cleanly as a complete breadcrumb log.
		records, err := Load(path)
		if err != nil {
			t.Fatalf("Load after append %d: %v", i, err)
		}
		if len(records) != i+1 {
			t.Fatalf("Load after append %d returned %d records, want %d", i, len(records), i+1)
		}
	}
}

func TestPlanReplaysInRecordedOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crumbs")
	w, err := NewWriter(path, "kiln")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	recorded := []action.Key{
		action.NewKey(action.Compile, "c"),
		action.NewKey(action.Compile, "b"),
		action.NewKey(action.Load, "b"),
		action.NewKey(action.Compile, "a"),
	}
	for _, k := range recorded {
		if err := w.Append(k); err != nil {
			t.Fatalf("Append(%v): %v", k, err)
		}
	}

	p, err := Plan(path)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(p.AllActions) != len(recorded) {
		t.Fatalf("AllActions has %d entries, want %d", len(p.AllActions), len(recorded))
	}
	var gotOrder []action.Key
	for _, rec := range p.AllActions {
		gotOrder = append(gotOrder, rec.Key)
	}
	if !reflect.DeepEqual(gotOrder, recorded) {
		t.Fatalf("AllActions order = %v, want %v", gotOrder, recorded)
	}
	if len(p.Ready) != 1 || p.Ready[0] != recorded[0] {
		t.Fatalf("Ready = %v, want only %v", p.Ready, recorded[0])
	}

	// Every action but the first must still be blocked by its predecessor:
	// only one action can ever be ready at a time, which is what forces the
	// scheduler to execute the plan in exactly this order.
	for _, k := range recorded[1:] {
		if p.Graph.Ready(k) {
			t.Fatalf("%v should not be ready before its predecessor completes", k)
		}
	}
}

func TestGzipRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crumbs.gz")
	w, err := NewWriter(path, "kiln")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	keys := []action.Key{
		action.NewKey(action.Compile, "lib/a"),
		action.NewKey(action.Load, "lib/a"),
	}
	for _, k := range keys {
		if err := w.Append(k); err != nil {
			t.Fatalf("Append(%v): %v", k, err)
		}
	}

	// The file on disk must be a real gzip stream, not plain text.
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) < 2 || b[0] != 0x1f || b[1] != 0x8b {
		t.Fatalf("file does not start with the gzip magic: % x", b[:2])
	}

	records, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != len(keys) {
		t.Fatalf("Load returned %d records, want %d", len(records), len(keys))
	}
}

func TestLoadRejectsMissingHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crumbs")
	if err := os.WriteFile(path, []byte("(compile kiln a)\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a breadcrumb file missing its header")
	}
}

func TestLoadRejectsMalformedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crumbs")
	if err := os.WriteFile(path, []byte(header+"\nnot a record\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a malformed record")
	}
}

func joinPathComponents(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}
