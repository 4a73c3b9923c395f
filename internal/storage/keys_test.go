package storage

import "testing"

func TestSourceKey(t *testing.T) {
	if got := SourceKey("job-7"); got != "uploads/job-7/source" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestExportKeyKeepsBaseName(t *testing.T) {
	cases := map[string]string{
		"scan.scrubbed.png":        "exports/exp-1/scan.scrubbed.png",
		"../../etc/x.scrubbed.png": "exports/exp-1/x.scrubbed.png",
		"dir/a.scrubbed.png":       "exports/exp-1/a.scrubbed.png",
	}
	for name, want := range cases {
		if got := ExportKey("exp-1", name); got != want {
			t.Fatalf("ExportKey(%q) = %q, want %q", name, got, want)
		}
	}
}
