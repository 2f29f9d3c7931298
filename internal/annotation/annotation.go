// Package annotation extracts and rewrites in-file cross-reference annotations.
//
// An annotation has the form
//
//	@ref[kind:weight](/target/path)
//
// where the bracketed part is optional: @ref(/x.txt) is a "depends-on" edge
// with weight 1, @ref[uses](/x.txt) sets only the kind and @ref[:0.5](/x.txt)
// only the weight.
package annotation

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/starford/custodian/internal/models"
)

var refRe = regexp.MustCompile(`@ref(?:\[([A-Za-z][A-Za-z0-9_-]*)?(?::([0-9]*\.?[0-9]+))?\])?\(([^()\s]+)\)`)

// Parse returns the deduplicated cross references found in data, in order of
// first appearance. A repeated (target, kind) pair keeps its first weight.
func Parse(data []byte) []models.CrossReference {
	matches := refRe.FindAllSubmatch(data, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []models.CrossReference
	for _, m := range matches {
		ref := models.CrossReference{
			Target: NormalizeTarget(string(m[3])),
			Kind:   string(m[1]),
			Weight: 1,
		}
		if ref.Kind == "" {
			ref.Kind = models.DefaultEdgeKind
		}
		if len(m[2]) > 0 {
			if w, err := strconv.ParseFloat(string(m[2]), 64); err == nil {
				ref.Weight = clamp(w)
			}
		}
		key := ref.Kind + "\x00" + ref.Target
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// Rewrite replaces the target of every annotation pointing at from with to.
// Text outside annotations is never touched. It returns the new content and
// the number of annotations rewritten; when nothing matched, data is
// returned unchanged.
func Rewrite(data []byte, from, to string) ([]byte, int) {
	from = NormalizeTarget(from)
	to = NormalizeTarget(to)
	locs := refRe.FindAllSubmatchIndex(data, -1)
	if len(locs) == 0 {
		return data, 0
	}
	var buf bytes.Buffer
	last, n := 0, 0
	for _, loc := range locs {
		start, end := loc[6], loc[7]
		if NormalizeTarget(string(data[start:end])) != from {
			continue
		}
		buf.Write(data[last:start])
		buf.WriteString(to)
		last = end
		n++
	}
	if n == 0 {
		return data, 0
	}
	buf.Write(data[last:])
	return buf.Bytes(), n
}

// Format renders ref in annotation syntax, omitting defaults.
func Format(ref models.CrossReference) string {
	var meta strings.Builder
	if ref.Kind != "" && ref.Kind != models.DefaultEdgeKind {
		meta.WriteString(ref.Kind)
	}
	if ref.Weight != 1 && ref.Weight != 0 {
		meta.WriteString(":" + strconv.FormatFloat(clamp(ref.Weight), 'f', -1, 64))
	}
	if meta.Len() == 0 {
		return fmt.Sprintf("@ref(%s)", NormalizeTarget(ref.Target))
	}
	return fmt.Sprintf("@ref[%s](%s)", meta.String(), NormalizeTarget(ref.Target))
}

// NormalizeTarget anchors and cleans an annotation target.
func NormalizeTarget(t string) string {
	return path.Clean("/" + strings.TrimSpace(t))
}

func clamp(w float64) float64 {
	switch {
	case w < 0:
		return 0
	case w > 1:
		return 1
	}
	return w
}
