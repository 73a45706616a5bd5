package flash

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// treeEntry fingerprints one file or symlink.
type treeEntry struct {
	isSymlink bool
	target    string
	size      int64
	digest    [sha256.Size]byte
}

// treeFingerprint hashes every regular file under root and records
// symlink targets. Directories contribute nothing; their content does.
func treeFingerprint(root string) (map[string]treeEntry, error) {
	entries := make(map[string]treeEntry)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entries[rel] = treeEntry{isSymlink: true, target: target}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		hasher := sha256.New()
		n, err := io.Copy(hasher, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		var entry treeEntry
		entry.size = n
		copy(entry.digest[:], hasher.Sum(nil))
		entries[rel] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", root, err)
	}
	return entries, nil
}

// verifyTrees compares src and dst fingerprints entry by entry. Any
// missing, extra or differing entry fails the whole copy.
func verifyTrees(src, dst, label string) error {
	srcEntries, err := treeFingerprint(src)
	if err != nil {
		return err
	}
	dstEntries, err := treeFingerprint(dst)
	if err != nil {
		return err
	}

	if len(srcEntries) != len(dstEntries) {
		return fmt.Errorf("verification failed for %s: entry count mismatch (%d vs %d)",
			label, len(srcEntries), len(dstEntries))
	}
	for rel, srcEntry := range srcEntries {
		dstEntry, ok := dstEntries[rel]
		if !ok {
			return fmt.Errorf("verification failed for %s: missing %s", label, rel)
		}
		if srcEntry.isSymlink != dstEntry.isSymlink {
			return fmt.Errorf("verification failed for %s: entry type differs at %s", label, rel)
		}
		if srcEntry.isSymlink {
			if srcEntry.target != dstEntry.target {
				return fmt.Errorf("verification failed for %s: symlink target differs at %s", label, rel)
			}
			continue
		}
		if srcEntry.size != dstEntry.size || srcEntry.digest != dstEntry.digest {
			return fmt.Errorf("verification failed for %s: checksum differs at %s", label, rel)
		}
	}
	return nil
}
