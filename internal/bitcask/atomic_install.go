package bitcask

import (
	"fmt"
	"os"

	natomic "github.com/natefinch/atomic"
)

// atomicRename publishes src as dst using rename-based atomic replacement,
// so a reader can never observe a half-written file at dst. Grounded on
// natefinch/atomic's WriteFile, which stages through a temp file in dst's
// directory and renames over it; here the content is already staged at src
// (the merger writes src directly), so the file is reopened and piped
// through atomic.WriteFile to get the same crash-safety guarantee without
// assuming src and dst share a filesystem-rename-safe relationship.
func atomicRename(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open staged file %s: %w", src, err)
	}
	defer f.Close()

	if err := natomic.WriteFile(dst, f); err != nil {
		return fmt.Errorf("atomic write %s: %w", dst, err)
	}
	return os.Remove(src)
}
