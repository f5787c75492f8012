package engine

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// MapFile maps size bytes of path read-only. When the file system refuses
// the mapping the bytes are read into memory instead and mapped is false;
// the response is the same, only copied.
func MapFile(path string, size int64) (b []byte, mapped bool, err error) {
	if size <= 0 {
		return nil, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	b, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, unix.ENODEV) && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.EACCES) {
		return nil, false, fmt.Errorf("mmap %s: %w", path, err)
	}

	b = make([]byte, size)
	if _, err := io.ReadFull(f, b); err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return b, false, nil
}

func unmapFile(b []byte) error {
	return unix.Munmap(b)
}
