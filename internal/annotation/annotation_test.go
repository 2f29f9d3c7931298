package annotation

import (
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/starford/custodian/internal/models"
)

func TestParse_Basic(t *testing.T) {
	input := []byte(`notes
uses @ref(/lib/a.txt) and @ref[includes:0.25](/lib/b.txt)
again @ref(/lib/a.txt)`)
	refs := Parse(input)
	if len(refs) != 2 {
		t.Fatalf("refs = %+v, want 2", refs)
	}
	if refs[0].Target != "/lib/a.txt" || refs[0].Kind != models.DefaultEdgeKind || refs[0].Weight != 1 {
		t.Errorf("refs[0] = %+v", refs[0])
	}
	if refs[1].Target != "/lib/b.txt" || refs[1].Kind != "includes" || refs[1].Weight != 0.25 {
		t.Errorf("refs[1] = %+v", refs[1])
	}
}

func TestParse_WeightOnlyAndClamp(t *testing.T) {
	refs := Parse([]byte(`@ref[:0.5](/w.txt) @ref[heavy:7](/h.txt)`))
	if len(refs) != 2 {
		t.Fatalf("refs = %+v", refs)
	}
	if refs[0].Kind != models.DefaultEdgeKind || refs[0].Weight != 0.5 {
		t.Errorf("weight-only ref = %+v", refs[0])
	}
	if refs[1].Weight != 1 {
		t.Errorf("weight should clamp to 1, got %v", refs[1].Weight)
	}
}

func TestParse_NormalizesTargets(t *testing.T) {
	refs := Parse([]byte(`@ref(docs/../x.txt)`))
	if len(refs) != 1 || refs[0].Target != "/x.txt" {
		t.Errorf("refs = %+v", refs)
	}
}

func TestParse_NoAnnotations(t *testing.T) {
	if refs := Parse([]byte("plain text mentioning /x.txt")); len(refs) != 0 {
		t.Errorf("expected no refs, got %+v", refs)
	}
}

func TestRewrite_OnlyAnnotationTargets(t *testing.T) {
	input := []byte("see /x.txt\n@ref(/x.txt) @ref[uses:0.3](/x.txt) @ref(/other.txt)\n")
	out, n := Rewrite(input, "/x.txt", "/y/x.txt")
	if n != 2 {
		t.Fatalf("rewritten = %d, want 2", n)
	}
	want := "see /x.txt\n@ref(/y/x.txt) @ref[uses:0.3](/y/x.txt) @ref(/other.txt)\n"
	if string(out) != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestRewrite_NoMatchReturnsInput(t *testing.T) {
	input := []byte("@ref(/a.txt)")
	out, n := Rewrite(input, "/b.txt", "/c.txt")
	if n != 0 || string(out) != string(input) {
		t.Errorf("unexpected rewrite: %q (%d)", out, n)
	}
}

func TestFormat(t *testing.T) {
	cases := map[string]models.CrossReference{
		"@ref(/a.txt)":           {Target: "/a.txt", Kind: models.DefaultEdgeKind, Weight: 1},
		"@ref[uses](/a.txt)":     {Target: "/a.txt", Kind: "uses", Weight: 1},
		"@ref[:0.5](/a.txt)":     {Target: "/a.txt", Kind: models.DefaultEdgeKind, Weight: 0.5},
		"@ref[uses:0.5](/a.txt)": {Target: "a.txt", Kind: "uses", Weight: 0.5},
	}
	for want, ref := range cases {
		if got := Format(ref); got != want {
			t.Errorf("Format(%+v) = %q, want %q", ref, got, want)
		}
	}
}

func TestRewrite_RoundTripProperty(t *testing.T) {
	segment := rapid.StringMatching(`[a-z]{1,8}`)
	rapid.Check(t, func(t *rapid.T) {
		from := "/" + segment.Draw(t, "from") + ".txt"
		to := "/" + segment.Draw(t, "dir") + "/" + segment.Draw(t, "to") + ".txt"
		n := rapid.IntRange(1, 5).Draw(t, "n")
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteString(rapid.StringMatching(`[a-z ]{0,12}`).Draw(t, "filler"))
			b.WriteString(Format(models.CrossReference{Target: from, Kind: models.DefaultEdgeKind, Weight: 1}))
			b.WriteString("\n")
		}
		original := []byte(b.String())

		moved, fwd := Rewrite(original, from, to)
		if fwd != n {
			t.Fatalf("forward rewrote %d, want %d", fwd, n)
		}
		for _, ref := range Parse(moved) {
			if ref.Target == from {
				t.Fatalf("edge still targets %s after rewrite", from)
			}
		}
		back, rev := Rewrite(moved, to, from)
		if rev != n {
			t.Fatalf("reverse rewrote %d, want %d", rev, n)
		}
		if string(back) != string(original) {
			t.Fatalf("round trip mismatch:\n%q\n%q", back, original)
		}
	})
}
