package backends

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractArchive unpacks a .zip or .tar.gz archive into destination,
// creating it. Entries escaping the destination are rejected.
func extractArchive(archivePath, destination string) error {
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return err
	}
	switch {
	case strings.HasSuffix(archivePath, ".zip.download"), strings.HasSuffix(archivePath, ".zip"):
		return extractZip(archivePath, destination)
	case strings.HasSuffix(archivePath, ".tar.gz.download"), strings.HasSuffix(archivePath, ".tar.gz"),
		strings.HasSuffix(archivePath, ".tgz.download"), strings.HasSuffix(archivePath, ".tgz"):
		return extractTarGz(archivePath, destination)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
	}
}

// secureJoin joins name under destination, rejecting traversal.
func secureJoin(destination, name string) (string, error) {
	target := filepath.Join(destination, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(destination)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}

func extractZip(archivePath, destination string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, file := range reader.File {
		target, err := secureJoin(destination, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeZipEntry(file, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(file *zip.File, target string) error {
	source, err := file.Open()
	if err != nil {
		return err
	}
	defer source.Close()
	output, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(output, source); err != nil {
		output.Close()
		return err
	}
	return output.Close()
}

func extractTarGz(archivePath, destination string) error {
	archive, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer archive.Close()
	decompressed, err := gzip.NewReader(archive)
	if err != nil {
		return err
	}
	defer decompressed.Close()

	reader := tar.NewReader(decompressed)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := secureJoin(destination, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			output, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode).Perm()|0o600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(output, reader); err != nil {
				output.Close()
				return err
			}
			if err := output.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and specials are not expected in engine archives.
		}
	}
}

// flattenSingleRoot hoists the contents of a lone top-level directory when
// the expected executable lives under it (release archives commonly wrap
// everything in a versioned root, sometimes with a bin/ below it).
func flattenSingleRoot(dir, executable string) error {
	for depth := 0; depth < 3; depth++ {
		if _, err := os.Stat(filepath.Join(dir, executable)); err == nil {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		var dirs []os.DirEntry
		for _, entry := range entries {
			if entry.IsDir() {
				dirs = append(dirs, entry)
			}
		}
		var source string
		if len(entries) == 1 && entries[0].IsDir() {
			source = filepath.Join(dir, entries[0].Name())
		} else if len(dirs) > 0 {
			// Look for a bin/ directory carrying the executable.
			for _, sub := range dirs {
				if _, err := os.Stat(filepath.Join(dir, sub.Name(), executable)); err == nil {
					source = filepath.Join(dir, sub.Name())
					break
				}
			}
		}
		if source == "" {
			return fmt.Errorf("extracted archive does not contain %s", executable)
		}
		if err := hoistContents(source, dir); err != nil {
			return err
		}
	}
	if _, err := os.Stat(filepath.Join(dir, executable)); err != nil {
		return fmt.Errorf("extracted archive does not contain %s", executable)
	}
	return nil
}

// hoistContents moves everything in source up into parent and removes
// source.
func hoistContents(source, parent string) error {
	entries, err := os.ReadDir(source)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		from := filepath.Join(source, entry.Name())
		to := filepath.Join(parent, entry.Name())
		if _, err := os.Stat(to); err == nil {
			// Name collision with the wrapper directory itself; leave it.
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}
	return os.RemoveAll(source)
}
