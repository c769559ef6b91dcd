// Package dashboard serves a read-only HTTP status page reflecting a
// scheduler.Snapshot, registered by cmd/kiln when -listen is set. The
// static asset is served through github.com/lpar/gzipped's FileServer
// rather than hand-rolled gzip encoding, staged once at startup into a
// temp directory.
package dashboard

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/lpar/gzipped/v2"

	"github.com/kilnbuild/kiln/internal/scheduler"
)

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>kiln status</title></head>
<body>
<h1>kiln status</h1>
<pre id="snapshot">loading...</pre>
<script>
async function refresh() {
  const resp = await fetch("/status.json");
  const s = await resp.json();
  document.getElementById("snapshot").textContent =
    "total:     " + s.total + "\n" +
    "remaining: " + s.remaining + "\n" +
    "ready:     " + s.ready + "\n" +
    "running:   " + s.running + "\n";
}
setInterval(refresh, 1000);
refresh();
</script>
</body>
</html>
`

// Dashboard publishes scheduler.Snapshot values for a single HTTP handler to
// serve; Publish is safe to call from the coordinator's single-threaded
// scheduler loop without blocking it on a lock (an atomic.Value swap, not a
// mutex).
type Dashboard struct {
	current atomic.Value // scheduler.Snapshot
	assets  string
}

// New stages the static asset directory under os.TempDir() and returns a
// Dashboard ready to Publish snapshots to and whose Handler can be
// registered on an http.ServeMux.
func New() (*Dashboard, error) {
	dir, err := ioutil.TempDir("", "kiln-dashboard")
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "index.html"), []byte(indexHTML), 0644); err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	d := &Dashboard{assets: dir}
	d.current.Store(scheduler.Snapshot{})
	return d, nil
}

// Publish records s as the current snapshot. Intended to be wired as a
// scheduler's OnSnapshot callback.
func (d *Dashboard) Publish(s scheduler.Snapshot) { d.current.Store(s) }

// Snapshot returns the most recently published snapshot.
func (d *Dashboard) Snapshot() scheduler.Snapshot { return d.current.Load().(scheduler.Snapshot) }

// Handler serves the static status page at "/" (gzip/brotli-negotiated via
// gzipped.FileServer) and the current snapshot as JSON at "/status.json".
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	files := gzipped.FileServer(gzipped.Dir(d.assets))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// gzipped.FileServer does not resolve a directory to its index.html,
		// so the root is mapped to the staged page explicitly.
		if r.URL.Path == "/" {
			r = r.Clone(r.Context())
			r.URL.Path = "/index.html"
		}
		files.ServeHTTP(w, r)
	})
	mux.HandleFunc("/status.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.Snapshot())
	})
	return mux
}

// Close removes the staged asset directory.
func (d *Dashboard) Close() error {
	return os.RemoveAll(d.assets)
}
