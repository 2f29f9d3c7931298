package guardian

import (
	"context"
	"os"
	"testing"

	"github.com/starford/custodian/internal/checksum"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/testutil"
)

func violations(rep *Report, rule string) []Violation {
	var out []Violation
	for _, v := range rep.Violations {
		if v.Rule == rule {
			out = append(out, v)
		}
	}
	return out
}

func TestCheckStandards_ReportsRules(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	mustCreate := func(p, content, purpose string) {
		t.Helper()
		if _, err := e.g.SafeCreate(ctx, p, []byte(content), purpose, false); err != nil {
			t.Fatalf("create %s: %v", p, err)
		}
	}
	mustCreate("/Bad Name.txt", "x", "doc")
	mustCreate("/nopurpose.txt", "y", "")
	mustCreate("/orphan.txt", "needs @ref(/absent.txt)", "doc")
	mustCreate("/dup1.txt", "same", "config")
	mustCreate("/dup2.txt", "same", "config")

	rep, err := e.g.CheckStandards(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Checked != 5 {
		t.Errorf("checked = %d", rep.Checked)
	}
	checks := []struct {
		rule  string
		paths []string
	}{
		{RuleNaming, []string{"/Bad Name.txt"}},
		{RuleMissingPurpose, []string{"/nopurpose.txt"}},
		{RuleOrphanedDependency, []string{"/orphan.txt"}},
		{RuleDuplicatePurpose, []string{"/dup1.txt", "/dup2.txt"}},
	}
	for _, c := range checks {
		got := violations(rep, c.rule)
		if len(got) != len(c.paths) {
			t.Errorf("%s: %+v", c.rule, got)
			continue
		}
		for i, p := range c.paths {
			if got[i].Path != p {
				t.Errorf("%s[%d] = %s, want %s", c.rule, i, got[i].Path, p)
			}
		}
	}
	if len(violations(rep, RuleDigestDrift)) != 0 || len(violations(rep, RuleMissingFile)) != 0 {
		t.Errorf("unexpected content violations: %+v", rep.Violations)
	}
	if rep.Fixed != 0 || rep.Clean() {
		t.Error("report without autofix claims fixes")
	}
}

func TestCheckStandards_AutofixRegistryOnly(t *testing.T) {
	e := newEnv(t, Options{Rules: []string{RuleDigestDrift, RuleMissingFile, RuleOrphanedDependency}})
	ctx := context.Background()
	_, _ = e.g.SafeCreate(ctx, "/drift.txt", []byte("before"), "doc", false)
	_, _ = e.g.SafeCreate(ctx, "/gone.txt", []byte("bye"), "doc", false)
	_, _ = e.g.SafeCreate(ctx, "/orphan.txt", []byte("@ref(/absent.txt)"), "doc", false)

	testutil.WriteFile(t, e.files, "/drift.txt", "after")
	abs, _ := e.files.Abs("/gone.txt")
	if err := os.Remove(abs); err != nil {
		t.Fatal(err)
	}

	rep, err := e.g.CheckStandards(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(violations(rep, RuleDigestDrift)) != 1 || !violations(rep, RuleDigestDrift)[0].Fixed {
		t.Errorf("digest drift: %+v", rep.Violations)
	}
	if len(violations(rep, RuleMissingFile)) != 1 || !violations(rep, RuleMissingFile)[0].Fixed {
		t.Errorf("missing file: %+v", rep.Violations)
	}
	if o := violations(rep, RuleOrphanedDependency); len(o) != 1 || o[0].Fixed {
		t.Errorf("orphaned dependency must be reported, never fixed: %+v", o)
	}
	if rep.Fixed != 2 {
		t.Errorf("fixed = %d, want 2", rep.Fixed)
	}

	drift, _ := e.g.Monitor().Store().Get("/drift.txt")
	if drift.Digest != checksum.Sum([]byte("after")) || drift.History[len(drift.History)-1].Kind != models.VersionResynced {
		t.Errorf("drift record = %+v", drift)
	}
	if got := testutil.ReadFile(t, e.files, "/drift.txt"); got != "after" {
		t.Errorf("autofix touched content: %q", got)
	}
	gone, _ := e.g.Monitor().Store().Get("/gone.txt")
	if gone.State != models.StateMissing {
		t.Errorf("gone state = %s", gone.State)
	}
	orphan, _ := e.g.Monitor().Store().Get("/orphan.txt")
	if !orphan.DependsOn("/absent.txt") {
		t.Error("autofix dropped an edge")
	}

	again, err := e.g.CheckStandards(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(violations(again, RuleDigestDrift))+len(violations(again, RuleMissingFile)) != 0 {
		t.Errorf("violations after autofix: %+v", again.Violations)
	}
}

func TestCheckStandards_AnnotationDrift(t *testing.T) {
	e := newEnv(t, Options{Rules: []string{RuleAnnotationDrift}})
	ctx := context.Background()
	_, _ = e.g.SafeCreate(ctx, "/a.txt", []byte("plain"), "doc", false)
	testutil.WriteFile(t, e.files, "/a.txt", "plain @ref[uses](/b.txt)")

	rep, err := e.g.CheckStandards(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if v := violations(rep, RuleAnnotationDrift); len(v) != 1 || !v[0].Fixed {
		t.Fatalf("annotation drift: %+v", rep.Violations)
	}
	rec, _ := e.g.Monitor().Store().Get("/a.txt")
	if len(rec.Dependencies) != 1 || rec.Dependencies[0].Kind != "uses" || rec.Dependencies[0].Target != "/b.txt" {
		t.Errorf("dependencies = %+v", rec.Dependencies)
	}
	if rec.Digest != checksum.Sum([]byte("plain")) {
		t.Error("annotation sync changed the digest")
	}
}

func TestCheckStandards_BackupIntegrity(t *testing.T) {
	e := newEnv(t, Options{Rules: []string{RuleBackupIntegrity}})
	ctx := context.Background()
	_, _ = e.g.SafeCreate(ctx, "/a.txt", []byte("v1"), "doc", false)
	rec, err := e.g.SafeEdit(ctx, "/a.txt", []byte("v2"), "edit")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(rec.Backups[0].Location); err != nil {
		t.Fatal(err)
	}
	rep, _ := e.g.CheckStandards(ctx, true)
	if v := violations(rep, RuleBackupIntegrity); len(v) != 1 || v[0].Fixed {
		t.Errorf("backup integrity: %+v", rep.Violations)
	}
}

func TestScan(t *testing.T) {
	e := newEnv(t, Options{AutoRegister: true})
	ctx := context.Background()

	testutil.WriteFile(t, e.files, "/a.txt", "a")
	testutil.WriteFile(t, e.files, "/sub/b.txt", "b")
	testutil.WriteFile(t, e.files, "/.custodian/state.db", "ignored")

	rep, err := e.g.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Registered) != 2 {
		t.Fatalf("registered = %v", rep.Registered)
	}

	testutil.WriteFile(t, e.files, "/a.txt", "a changed")
	abs, _ := e.files.Abs("/sub/b.txt")
	_ = os.Remove(abs)

	rep, err = e.g.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Changed) != 1 || rep.Changed[0] != "/a.txt" {
		t.Errorf("changed = %v", rep.Changed)
	}
	if len(rep.Missing) != 1 || rep.Missing[0] != "/sub/b.txt" {
		t.Errorf("missing = %v", rep.Missing)
	}
	a, _ := e.g.Monitor().Store().Get("/a.txt")
	if a.History[len(a.History)-1].Kind != models.VersionExternal {
		t.Errorf("a history = %+v", a.History)
	}
	b, _ := e.g.Monitor().Store().Get("/sub/b.txt")
	if b.State != models.StateMissing {
		t.Errorf("b state = %s", b.State)
	}

	rep, _ = e.g.Scan(ctx)
	if len(rep.Changed)+len(rep.Missing)+len(rep.Registered) != 0 || rep.Unchanged != 1 {
		t.Errorf("third scan = %+v", rep)
	}
}

func TestScan_WithoutAutoRegister(t *testing.T) {
	e := newEnv(t, Options{})
	testutil.WriteFile(t, e.files, "/loose.txt", "x")
	rep, err := e.g.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Untracked) != 1 || len(rep.Registered) != 0 {
		t.Errorf("scan = %+v", rep)
	}
	if _, ok := e.g.Monitor().Store().Get("/loose.txt"); ok {
		t.Error("untracked file registered without auto-register")
	}
}
