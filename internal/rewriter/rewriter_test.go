package rewriter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/backup"
	"github.com/starford/custodian/internal/checksum"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/monitor"
	"github.com/starford/custodian/internal/storage"
	"github.com/starford/custodian/internal/testutil"
)

// readOnlyFS refuses writes to the keys in deny.
type readOnlyFS struct {
	*storage.FS
	deny map[string]bool
}

func (f readOnlyFS) Write(key string, content []byte) error {
	if f.deny[key] {
		return errors.New("read-only file system")
	}
	return f.FS.Write(key, content)
}

func setup(t *testing.T, deny ...string) (*Rewriter, *monitor.Monitor, storage.Provider) {
	t.Helper()
	_, fs := testutil.TestWorkspace(t)
	files := readOnlyFS{FS: fs, deny: map[string]bool{}}
	mon := monitor.New(testutil.TestRegistry(t), files, monitor.Options{Logger: testutil.Logger()})
	backups, err := backup.NewManager(filepath.Join(t.TempDir(), "backups"), files)
	if err != nil {
		t.Fatal(err)
	}
	// Seed the workspace before denying writes.
	seed := map[string]string{
		"/x.txt":    "target",
		"/dep.txt":  "see @ref(/x.txt) and /x.txt in prose",
		"/ro.txt":   "@ref[uses:0.5](/x.txt)",
		"/edge.txt": "no annotations here",
	}
	for p, c := range seed {
		testutil.WriteFile(t, files, p, c)
		if _, err := mon.Register(context.Background(), p, "doc", nil, false); err != nil {
			t.Fatal(err)
		}
	}
	unlock := mon.Lock("/edge.txt")
	if _, err := mon.SetDependencies("/edge.txt", []models.CrossReference{{Target: "/x.txt"}}); err != nil {
		t.Fatal(err)
	}
	unlock()
	for _, d := range deny {
		files.deny[d] = true
	}
	return New(mon, backups, nil, testutil.Logger()), mon, files
}

func TestRewriteReferences(t *testing.T) {
	rw, mon, files := setup(t)
	ctx := context.Background()
	affected := mon.Store().Dependents("/x.txt")
	if len(affected) != 3 {
		t.Fatalf("dependents = %v", affected)
	}

	res, err := rw.RewriteReferences(ctx, "/x.txt", "/y/x.txt", affected)
	if err != nil {
		t.Fatalf("RewriteReferences: %v", err)
	}
	if res.Updated != 3 || len(res.Files) != 3 {
		t.Errorf("result = %+v", res)
	}

	if got := testutil.ReadFile(t, files, "/dep.txt"); got != "see @ref(/y/x.txt) and /x.txt in prose" {
		t.Errorf("dep content = %q", got)
	}
	dep, _ := mon.Store().Get("/dep.txt")
	if !dep.DependsOn("/y/x.txt") || dep.DependsOn("/x.txt") {
		t.Errorf("dep edges = %+v", dep.Dependencies)
	}
	last := dep.History[len(dep.History)-1]
	if last.Kind != models.VersionRewritten || len(dep.Backups) != 1 {
		t.Errorf("dep history/backups = %+v / %+v", last, dep.Backups)
	}
	if dep.Backups[0].Digest != checksum.Sum([]byte("see @ref(/x.txt) and /x.txt in prose")) {
		t.Error("backup does not hold pre-rewrite content")
	}

	ro, _ := mon.Store().Get("/ro.txt")
	if len(ro.Dependencies) != 1 || ro.Dependencies[0] != (models.CrossReference{Target: "/y/x.txt", Kind: "uses", Weight: 0.5}) {
		t.Errorf("edge kind or weight lost: %+v", ro.Dependencies)
	}

	edge, _ := mon.Store().Get("/edge.txt")
	if !edge.DependsOn("/y/x.txt") || len(edge.History) != 1 {
		t.Errorf("edge-only record = %+v", edge)
	}
}

func TestRewriteReferences_RoundTrip(t *testing.T) {
	rw, mon, files := setup(t)
	ctx := context.Background()
	before := testutil.ReadFile(t, files, "/dep.txt")

	if _, err := rw.RewriteReferences(ctx, "/x.txt", "/y/x.txt", mon.Store().Dependents("/x.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := rw.RewriteReferences(ctx, "/y/x.txt", "/x.txt", mon.Store().Dependents("/y/x.txt")); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ReadFile(t, files, "/dep.txt"); got != before {
		t.Errorf("round trip content = %q, want %q", got, before)
	}
	for _, p := range []string{"/dep.txt", "/ro.txt", "/edge.txt"} {
		rec, _ := mon.Store().Get(p)
		if !rec.DependsOn("/x.txt") || rec.DependsOn("/y/x.txt") {
			t.Errorf("%s edges after round trip = %+v", p, rec.Dependencies)
		}
	}
}

func TestRewriteReferences_UnwritableContinues(t *testing.T) {
	rw, mon, files := setup(t, "/ro.txt")
	ctx := context.Background()

	res, err := rw.RewriteReferences(ctx, "/x.txt", "/y/x.txt", mon.Store().Dependents("/x.txt"))
	var rerr *apperr.RewriteError
	if !errors.As(err, &rerr) || rerr.Kind != apperr.Unwritable || rerr.Path != "/ro.txt" {
		t.Fatalf("err = %v, want Unwritable for /ro.txt", err)
	}
	if res.Updated != 3 {
		t.Errorf("updated = %d, want 3", res.Updated)
	}
	var failed int
	for _, f := range res.Files {
		if f.Err != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed files = %d", failed)
	}

	ro, _ := mon.Store().Get("/ro.txt")
	if !ro.DependsOn("/y/x.txt") {
		t.Error("registry edge not rewritten for unwritable file")
	}
	if got := testutil.ReadFile(t, files, "/ro.txt"); got != "@ref[uses:0.5](/x.txt)" {
		t.Errorf("unwritable content changed: %q", got)
	}
	if got := testutil.ReadFile(t, files, "/dep.txt"); got != "see @ref(/y/x.txt) and /x.txt in prose" {
		t.Errorf("batch stopped early: %q", got)
	}
}
