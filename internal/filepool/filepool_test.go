package filepool

import (
	"os"
	"testing"
	"time"
)

type fakeInfo struct {
	mtime time.Time
}

func (f fakeInfo) Name() string       { return "" }
func (f fakeInfo) Size() int64        { return 0 }
func (f fakeInfo) Mode() os.FileMode  { return 0 }
func (f fakeInfo) ModTime() time.Time { return f.mtime }
func (f fakeInfo) IsDir() bool        { return false }
func (f fakeInfo) Sys() any           { return nil }

func statReturning(mtimes map[string]time.Time) StatFunc {
	return func(path string) (os.FileInfo, error) {
		t, ok := mtimes[path]
		if !ok {
			return nil, os.ErrNotExist
		}
		return fakeInfo{mtime: t}, nil
	}
}

func TestValidateWrite_FreshAfterRead(t *testing.T) {
	mtime := time.Now()
	pool := New(statReturning(map[string]time.Time{"/a.txt": mtime}))
	pool.RecordRead("/a.txt")

	if !pool.ValidateWrite("/a.txt") {
		t.Fatal("expected fresh write to be valid")
	}
}

func TestValidateWrite_StaleAfterExternalChange(t *testing.T) {
	mtimes := map[string]time.Time{"/a.txt": time.Now()}
	pool := New(statReturning(mtimes))
	pool.RecordRead("/a.txt")

	mtimes["/a.txt"] = time.Now().Add(time.Hour)

	if pool.ValidateWrite("/a.txt") {
		t.Fatal("expected stale write to be rejected")
	}
}

func TestValidateWrite_NonexistentFileIsFresh(t *testing.T) {
	pool := New(statReturning(map[string]time.Time{}))
	if !pool.ValidateWrite("/missing.txt") {
		t.Fatal("a file that doesn't exist yet should be writable")
	}
}

func TestValidateWrite_UntrackedExistingFileIsFresh(t *testing.T) {
	pool := New(statReturning(map[string]time.Time{"/a.txt": time.Now()}))
	if !pool.ValidateWrite("/a.txt") {
		t.Fatal("an untracked file should be treated as fresh")
	}
}

func TestGetAccessedFiles_OrderedByMostRecentTouch(t *testing.T) {
	now := time.Now()
	pool := New(statReturning(map[string]time.Time{
		"/old.txt": now,
		"/new.txt": now,
	}))
	pool.RecordRead("/old.txt")
	time.Sleep(time.Millisecond)
	pool.RecordRead("/new.txt")

	files := pool.GetAccessedFiles()
	if len(files) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(files))
	}
	if files[0].Path != "/new.txt" {
		t.Fatalf("expected most recently touched file first, got %s", files[0].Path)
	}
}
