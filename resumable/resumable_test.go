package resumable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/tsdgate/stagedfile"
)

// promote runs the same staged-promotion step ingest.Handler performs
// before calling MergeChunk, so these tests exercise Prepare/MergeChunk the
// way the HTTP handler actually drives them.
func promote(t *testing.T, resumableDir, stagedName string, data []byte) bool {
	t.Helper()
	st, err := stagedfile.Acquire(resumableDir, stagedName)
	if err != nil {
		t.Fatal(err)
	}
	f, err := st.Open(os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	promoted, err := st.CommitIfAbsent()
	if err != nil {
		t.Fatal(err)
	}
	return promoted
}

func TestPrepare_NewUploadThenMergeThenFinalize(t *testing.T) {
	tenantDir := t.TempDir()
	resumableDir, err := Dir(tenantDir)
	if err != nil {
		t.Fatal(err)
	}

	n, uploadID, isFinal, ok, stagedName, err := Prepare(resumableDir, "bigfile.bin", "1", "", "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if isFinal || !ok || n != 1 {
		t.Fatalf("unexpected prepare result: n=%d final=%v ok=%v", n, isFinal, ok)
	}
	if uploadID == "" {
		t.Fatal("expected a minted upload id")
	}

	if !promote(t, resumableDir, stagedName, []byte("hello ")) {
		t.Fatal("expected first chunk to win the promotion race")
	}
	if err := MergeChunk(resumableDir, stagedName, uploadID, "alice"); err != nil {
		t.Fatal(err)
	}

	n, uploadID2, isFinal, ok, stagedName, err := Prepare(resumableDir, "bigfile.bin", "2", uploadID, "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if isFinal || !ok || n != 2 || uploadID2 != uploadID {
		t.Fatalf("unexpected second prepare: n=%d final=%v ok=%v id=%s", n, isFinal, ok, uploadID2)
	}
	if !promote(t, resumableDir, stagedName, []byte("world")) {
		t.Fatal("expected second chunk to win the promotion race")
	}
	if err := MergeChunk(resumableDir, stagedName, uploadID, "alice"); err != nil {
		t.Fatal(err)
	}

	_, _, isFinal, ok, _, err = Prepare(resumableDir, "bigfile.bin", "end", uploadID, "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !isFinal || !ok {
		t.Fatalf("expected chunk=end to finalize: final=%v ok=%v", isFinal, ok)
	}
	finalName, maxChunk, err := Finalize(tenantDir, resumableDir, uploadID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if finalName != "bigfile.bin" {
		t.Fatalf("finalName = %q", finalName)
	}
	if maxChunk != 2 {
		t.Fatalf("maxChunk = %d, want 2", maxChunk)
	}

	data, err := os.ReadFile(filepath.Join(tenantDir, "bigfile.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("merged data = %q, want %q", data, "hello world")
	}
}

func TestPrepare_OutOfOrderChunkIsNoOp(t *testing.T) {
	tenantDir := t.TempDir()
	resumableDir, _ := Dir(tenantDir)

	_, uploadID, _, _, stagedName, err := Prepare(resumableDir, "f.bin", "1", "", "", "bob")
	if err != nil {
		t.Fatal(err)
	}
	promote(t, resumableDir, stagedName, []byte("a"))
	if err := MergeChunk(resumableDir, stagedName, uploadID, "bob"); err != nil {
		t.Fatal(err)
	}

	// Re-sending chunk 1 after it already merged must be flagged out of order.
	_, _, isFinal, ok, _, err := Prepare(resumableDir, "f.bin", "1", uploadID, "", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if isFinal || ok {
		t.Fatal("expected chunk 1 to be rejected as out of order after it already merged")
	}
}

func TestPrepare_WrongOwnerIsNotFound(t *testing.T) {
	tenantDir := t.TempDir()
	resumableDir, _ := Dir(tenantDir)

	_, uploadID, _, _, _, err := Prepare(resumableDir, "f.bin", "1", "", "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, _, _, err := Prepare(resumableDir, "f.bin", "2", uploadID, "", "mallory"); err == nil {
		t.Fatal("expected an error when a different requestor reuses another owner's upload id")
	}
}

func TestMergeChunk_RaceLoserLeavesStateUnchanged(t *testing.T) {
	tenantDir := t.TempDir()
	resumableDir, _ := Dir(tenantDir)

	_, uploadID, _, _, stagedName, err := Prepare(resumableDir, "f.bin", "1", "", "", "carol")
	if err != nil {
		t.Fatal(err)
	}

	// Two concurrent writers for the same chunk number: only the first
	// promotion should win, mirroring the race the Resumable Engine must
	// tolerate without corrupting merged state.
	target := filepath.Join(resumableDir, stagedName)
	if err := os.WriteFile(target, []byte("winner"), 0o600); err != nil {
		t.Fatal(err)
	}
	promoted := promote(t, resumableDir, stagedName, []byte("loser"))
	if promoted {
		t.Fatal("second writer should have lost the promotion race")
	}

	if err := MergeChunk(resumableDir, stagedName, uploadID, "carol"); err != nil {
		t.Fatal(err)
	}
	info, err := InfoForUpload(resumableDir, uploadID, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if info.NextOffset != int64(len("winner")) {
		t.Fatalf("merged size = %d, want %d (the race winner's bytes)", info.NextOffset, len("winner"))
	}
}

func TestListAll_FiltersByOwner(t *testing.T) {
	tenantDir := t.TempDir()
	resumableDir, _ := Dir(tenantDir)

	Prepare(resumableDir, "a.bin", "1", "", "", "alice")
	Prepare(resumableDir, "b.bin", "1", "", "", "bob")

	aliceUploads, err := ListAll(resumableDir, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(aliceUploads) != 1 || aliceUploads[0].Filename != "a.bin" {
		t.Fatalf("alice's uploads = %+v", aliceUploads)
	}
}

func TestDelete_RemovesUploadState(t *testing.T) {
	tenantDir := t.TempDir()
	resumableDir, _ := Dir(tenantDir)

	_, uploadID, _, _, _, err := Prepare(resumableDir, "f.bin", "1", "", "", "dave")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := Delete(resumableDir, uploadID, "dave")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected Delete to report success")
	}
	if _, err := InfoForUpload(resumableDir, uploadID, "dave"); err == nil {
		t.Fatal("expected upload metadata to be gone after Delete")
	}
}
