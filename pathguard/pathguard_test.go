package pathguard

import (
	"testing"

	"github.com/hazyhaar/tsdgate/apierr"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		ingest  bool
		wantErr bool
	}{
		{"plain filename", "report.txt", true, false},
		{"url-escaped space", "my%20file.txt", true, false},
		{"empty", "", true, true},
		{"subdirectory", "a/b.txt", true, true},
		{"traversal", "../../etc/passwd", true, true},
		{"traversal mid-string", "a..b.txt", true, true},
		{"absolute path", "/etc/passwd", true, true},
		{"disallowed start char", ".hidden", true, true},
		{"disallowed start char export", "~tmp.txt", false, true},
		{"ordinary export", "data.tar.gz", false, false},
	}
	for _, tt := range tests {
		_, err := Validate(tt.raw, ".~", tt.ingest)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q, ingest=%v) error=%v, wantErr=%v", tt.raw, tt.ingest, err, tt.wantErr)
		}
	}
}

func TestValidate_StatusSplit(t *testing.T) {
	_, ingestErr := Validate("a/b", ".~", true)
	_, exportErr := Validate("a/b", ".~", false)
	ie, ok := ingestErr.(*apierr.Error)
	if !ok {
		t.Fatalf("ingest error is not *apierr.Error: %v", ingestErr)
	}
	ee, ok := exportErr.(*apierr.Error)
	if !ok {
		t.Fatalf("export error is not *apierr.Error: %v", exportErr)
	}
	if ie.Status != 400 {
		t.Errorf("ingest status = %d, want 400", ie.Status)
	}
	if ee.Status != 403 {
		t.Errorf("export status = %d, want 403", ee.Status)
	}
}
