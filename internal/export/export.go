// Package export serializes application data into a single encrypted stream.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
)

// Exporter writes one complete encrypted snapshot to sink. A returned error
// means the sink holds nothing usable.
type Exporter interface {
	Export(ctx context.Context, secret string, sink io.Writer) error
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(ctx context.Context, secret string, sink io.Writer) error

func (f ExporterFunc) Export(ctx context.Context, secret string, sink io.Writer) error {
	return f(ctx, secret, sink)
}

// ErrNoSecret is returned when no passphrase was supplied.
var ErrNoSecret = errors.New("backup passphrase is empty")

// ArchiveExporter zips a data directory and encrypts the archive.
type ArchiveExporter struct {
	SourceDir  string
	Iterations int // PBKDF2 rounds, DefaultIterations when zero
	// Exclude lists paths under SourceDir that are left out of the archive,
	// such as the backup directory itself.
	Exclude []string
}

// NewArchiveExporter creates an exporter for the data under sourceDir.
func NewArchiveExporter(sourceDir string) *ArchiveExporter {
	return &ArchiveExporter{SourceDir: sourceDir, Iterations: DefaultIterations}
}

// Export implements Exporter.
func (e *ArchiveExporter) Export(ctx context.Context, secret string, sink io.Writer) error {
	if secret == "" {
		return ErrNoSecret
	}
	info, err := os.Stat(e.SourceDir)
	if err != nil {
		return fmt.Errorf("could not read source data: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source data path %s is not a directory", e.SourceDir)
	}

	excluded := make(map[string]bool, len(e.Exclude))
	for _, p := range e.Exclude {
		if abs, err := filepath.Abs(p); err == nil {
			excluded[abs] = true
		}
	}

	enc, err := NewEncryptWriter(sink, secret, e.Iterations)
	if err != nil {
		return err
	}
	zipWriter := zip.NewWriter(enc)

	files := 0
	err = filepath.Walk(e.SourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		relPath, err := filepath.Rel(e.SourceDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		if abs, err := filepath.Abs(path); err == nil && excluded[abs] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		relPath = filepath.ToSlash(relPath)
		if info.IsDir() {
			_, err = zipWriter.Create(relPath + "/")
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = relPath
		header.Method = zip.Deflate
		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return err
		}
		fileToZip, err := os.Open(path)
		if err != nil {
			return err
		}
		defer fileToZip.Close()
		_, err = io.Copy(writer, fileToZip)
		files++
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive data: %w", err)
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to seal archive: %w", err)
	}
	log.Debug().Int("files", files).Str("source", e.SourceDir).Msg("Export: archive written")
	return nil
}
