package diffstat

import "testing"

func TestLines(t *testing.T) {
	cases := []struct {
		name     string
		old, new string
		want     Stat
	}{
		{"identical", "a\nb\n", "a\nb\n", Stat{}},
		{"append", "a\n", "a\nb\nc\n", Stat{Added: 2}},
		{"remove", "a\nb\nc\n", "a\n", Stat{Removed: 2}},
		{"replace", "a\nb\nc\n", "a\nx\nc\n", Stat{Added: 1, Removed: 1}},
		{"from empty", "", "one\ntwo", Stat{Added: 2}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Lines(c.old, c.new); got != c.want {
				t.Errorf("Lines = %+v, want %+v", got, c.want)
			}
		})
	}
}
