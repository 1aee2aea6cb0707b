package bagit

import (
	"strings"
	"testing"
)

func TestManifestDiff(t *testing.T) {
	a := "aaa  data/files/a.txt\nbbb  data/files/b.txt\n"
	b := "aaa  data/files/a.txt\nccc  data/files/b.txt\nddd  data/files/d.txt"
	out, err := ManifestDiff("s1/manifest-md5.txt", a, "s2/manifest-md5.txt", b)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"--- s1/manifest-md5.txt\n",
		"+++ s2/manifest-md5.txt\n",
		"-bbb  data/files/b.txt\n",
		"+ccc  data/files/b.txt\n",
		"+ddd  data/files/d.txt\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("diff missing %q:\n%s", want, out)
		}
	}
	out, err = ManifestDiff("x", a, "y", a)
	if err != nil || out != "" {
		t.Errorf("Received %q, %v for identical input", out, err)
	}
}
