package pipeline

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
)

const minFreeBytes = 1 << 30 // 1 GiB, per spec §4.6 step 4

func init() {
	// Register klauspost/compress's flate implementation as the archive/zip
	// deflate method, trading stdlib's compress/flate for a faster one
	// without changing any call site below.
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flateWriter(w)
	})
}

// sanitizeArchiveName implements spec §4.6 step 4's name sanitization:
// "..", "/", "\" are each replaced with "_".
func sanitizeArchiveName(name string) string {
	replacer := strings.NewReplacer("..", "_", "/", "_", "\\", "_")
	return replacer.Replace(name)
}

// BuildArchive creates a ZIP at <archiveRoot>/<sanitized name>.zip containing
// every file below sourceDir, with entry names relative to sourceDir's
// parent directory. An existing archive with the same name is overwritten.
// Returns the archive's full path.
func BuildArchive(archiveRoot, name, sourceDir string) (string, error) {
	free, err := availableBytes(archiveRoot)
	if err != nil {
		return "", fmt.Errorf("pipeline: checking free space at %s: %w", archiveRoot, err)
	}
	if free < minFreeBytes {
		return "", fmt.Errorf("pipeline: archive root %s has insufficient free space (%d bytes available, need >= 1 GiB)", archiveRoot, free)
	}

	sanitized := sanitizeArchiveName(name)
	archivePath := filepath.Join(archiveRoot, sanitized+".zip")

	out, err := os.Create(archivePath) // overwrites any existing archive
	if err != nil {
		return "", fmt.Errorf("pipeline: creating archive %s: %w", archivePath, err)
	}
	defer out.Close()

	writer := zip.NewWriter(out)
	defer writer.Close()

	parentDir := filepath.Dir(sourceDir)
	err = filepath.Walk(sourceDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(parentDir, path)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", path, err)
		}

		entry, err := writer.Create(filepath.ToSlash(relPath))
		if err != nil {
			return fmt.Errorf("creating zip entry %s: %w", relPath, err)
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer file.Close()

		if _, err := io.Copy(entry, file); err != nil {
			return fmt.Errorf("copying %s into archive: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: building archive from %s: %w", sourceDir, err)
	}

	return archivePath, nil
}

func flateWriter(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, flate.DefaultCompression)
}
