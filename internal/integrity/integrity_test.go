package integrity

import (
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

// sha256("hello world")
const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestVerifyMatches(t *testing.T) {
	fs := afero.NewMemMapFs()
	v := NewWithFs(fs)
	if err := afero.WriteFile(fs, "/in/a.txt", []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := v.WriteCompanion("/in/a.txt")
	if err != nil || d != helloDigest {
		t.Fatalf("WriteCompanion=%q err=%v", d, err)
	}
	res, err := v.Verify("/in/a.txt")
	if err != nil || !res.Valid || res.Actual != helloDigest {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
}

func TestVerifyAcceptsSha256sumLayoutAndUppercase(t *testing.T) {
	fs := afero.NewMemMapFs()
	v := NewWithFs(fs)
	_ = afero.WriteFile(fs, "/in/a.txt", []byte("hello world"), 0o644)
	_ = afero.WriteFile(fs, "/in/a.txt.sha256", []byte(strings.ToUpper(helloDigest)+"  a.txt\n"), 0o644)
	res, err := v.Verify("/in/a.txt")
	if err != nil || !res.Valid {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
}

func TestVerifyMismatchIsNotAnError(t *testing.T) {
	fs := afero.NewMemMapFs()
	v := NewWithFs(fs)
	_ = afero.WriteFile(fs, "/in/a.txt", []byte("hello world"), 0o644)
	_ = afero.WriteFile(fs, "/in/a.txt.sha256", []byte(strings.Repeat("0", 64)), 0o644)
	res, err := v.Verify("/in/a.txt")
	if err != nil {
		t.Fatalf("mismatch must not be an error: %v", err)
	}
	if res.Valid || res.Reason != "digest mismatch" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestVerifyMissingCompanion(t *testing.T) {
	fs := afero.NewMemMapFs()
	v := NewWithFs(fs)
	_ = afero.WriteFile(fs, "/in/a.txt", []byte("x"), 0o644)
	res, err := v.Verify("/in/a.txt")
	if err != nil || res.Valid || res.Reason == "" {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	if _, err := v.Verify("/in/missing.txt"); !os.IsNotExist(err) {
		t.Fatalf("missing data file should be an error, got %v", err)
	}
}

func TestCompanionHelpers(t *testing.T) {
	if CompanionPath("/x/f.bin") != "/x/f.bin.sha256" || !IsCompanion("/x/f.bin.sha256") || IsCompanion("/x/f.bin") {
		t.Fatal("companion helpers wrong")
	}
}
