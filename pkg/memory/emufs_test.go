package memory

import (
	"os"
	"testing"
)

func TestEmuFsLifecycle(t *testing.T) {
	fs, err := NewEmuFs()
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	key := EmuKey{Device: 8, Inode: 400, Size: 8192}
	f, err := fs.GetOrCreate(key, "/tmp/shared")
	if err != nil {
		t.Fatal(err)
	}
	fi, err := f.File.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 8192 {
		t.Fatalf("backing file size = %d, want 8192", fi.Size())
	}

	// A second mapping of the same recorded file shares the entry.
	again, err := fs.GetOrCreate(key, "/tmp/shared")
	if err != nil {
		t.Fatal(err)
	}
	if again != f {
		t.Fatal("same key produced a second backing file")
	}
	if fs.Len() != 1 {
		t.Fatalf("pool holds %d entries, want 1", fs.Len())
	}

	name := f.File.Name()
	fs.Unref(key)
	if _, ok := fs.Find(key); !ok {
		t.Fatal("entry died while a mapping remained")
	}
	fs.Unref(key)
	if _, ok := fs.Find(key); ok {
		t.Fatal("entry survived its last mapping")
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Fatalf("backing file not removed: %v", err)
	}
}

func TestEmuFsDistinctKeys(t *testing.T) {
	fs, err := NewEmuFs()
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	a, err := fs.GetOrCreate(EmuKey{Device: 8, Inode: 1, Size: 4096}, "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := fs.GetOrCreate(EmuKey{Device: 8, Inode: 2, Size: 4096}, "b")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("distinct inodes share a backing file")
	}
	if fs.Len() != 2 {
		t.Fatalf("pool holds %d entries, want 2", fs.Len())
	}
}
