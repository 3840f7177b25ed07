// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backup

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// archiveWriter writes one tar.gz backup archive.
type archiveWriter struct {
	f  *os.File
	gz *gzip.Writer
	tw *tar.Writer
}

func newArchiveWriter(path string) (*archiveWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	gz := gzip.NewWriter(f)
	return &archiveWriter{f: f, gz: gz, tw: tar.NewWriter(gz)}, nil
}

// addBytes stores an in-memory payload and returns its digest.
func (w *archiveWriter) addBytes(name string, data []byte) (string, error) {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o640,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return "", err
	}
	if _, err := w.tw.Write(data); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// addFile streams a file from disk and returns its size and digest.
func (w *archiveWriter) addFile(name, src string) (int64, string, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, "", err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    int64(info.Mode().Perm()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return 0, "", err
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w.tw, h), f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func (w *archiveWriter) Close() error {
	if err := w.tw.Close(); err != nil {
		w.gz.Close()
		w.f.Close()
		return err
	}
	if err := w.gz.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// hashFile digests a file without archiving it. Used for unchanged
// files that the incremental archive skips.
func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// walkFiles yields every regular file under root as a root-relative
// slash path.
func walkFiles(root string, fn func(rel, abs string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), path)
	})
}

// extractMatching scans one archive and writes every entry the caller
// still wants. want maps archive paths to destination paths; satisfied
// entries are removed from want so older archives in the chain do not
// overwrite newer content.
func extractMatching(archivePath string, want map[string]string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open %s: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", archivePath, err)
		}
		dst, ok := want[hdr.Name]
		if !ok {
			continue
		}
		if err := writeEntry(dst, hdr, tr); err != nil {
			return err
		}
		delete(want, hdr.Name)
	}
}

func writeEntry(dst string, hdr *tar.Header, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	mode := fs.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o640
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// verifyArchive re-reads an archive and checks every entry against the
// manifest digests.
func verifyArchive(archivePath string, manifest map[string]string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		wantDigest, ok := manifest[hdr.Name]
		if !ok {
			continue
		}
		h := sha256.New()
		if _, err := io.Copy(h, tr); err != nil {
			return err
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != wantDigest {
			return fmt.Errorf("entry %s: digest mismatch", hdr.Name)
		}
	}
}

// hostPath extracts the host side of a "host:container" volume string.
func hostPath(volume string) string {
	if i := strings.Index(volume, ":"); i >= 0 {
		return volume[:i]
	}
	return volume
}
