package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/internal/database"
)

const archiveRetention = 14 // archives kept in the bucket

// ArchiveMetadata is the manifest written into each archive.
type ArchiveMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database snapshot inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Archiver snapshots the ledgers and ships them to object storage. The
// snapshot uses VACUUM INTO, which is consistent without blocking writers.
type Archiver struct {
	s3        *S3Client
	databases []*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewArchiver creates an archiver over the given databases.
func NewArchiver(s3 *S3Client, databases []*database.DB, dataDir string, log zerolog.Logger) *Archiver {
	return &Archiver{
		s3:        s3,
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("service", "archiver").Logger(),
	}
}

// Archive snapshots every database, tars them with a checksum manifest,
// uploads the archive, and prunes old archives past retention.
func (a *Archiver) Archive(ctx context.Context) error {
	started := time.Now()

	stagingDir := filepath.Join(a.dataDir, "archive-staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := ArchiveMetadata{
		Timestamp: time.Now().UTC(),
		Databases: make([]DatabaseMetadata, 0, len(a.databases)),
	}
	files := make([]string, 0, len(a.databases)+1)

	for _, db := range a.databases {
		snapshotPath := filepath.Join(stagingDir, db.Name()+".db")
		if _, err := db.Conn().ExecContext(ctx, fmt.Sprintf("VACUUM INTO %q", snapshotPath)); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", db.Name(), err)
		}

		info, err := os.Stat(snapshotPath)
		if err != nil {
			return fmt.Errorf("failed to stat snapshot %s: %w", db.Name(), err)
		}
		checksum, err := fileChecksum(snapshotPath)
		if err != nil {
			return fmt.Errorf("failed to checksum %s: %w", db.Name(), err)
		}
		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      db.Name(),
			Filename:  db.Name() + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, snapshotPath)
	}

	manifestPath := filepath.Join(stagingDir, "archive-metadata.json")
	manifest, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, manifest, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	files = append(files, manifestPath)

	archiveName := fmt.Sprintf("tidemark-archive-%s.tar.gz", time.Now().UTC().Format("2006-01-02-150405"))
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := a.s3.Upload(ctx, "archives/"+archiveName, archiveFile); err != nil {
		return err
	}

	a.log.Info().
		Str("archive", archiveName).
		Int("databases", len(a.databases)).
		Dur("elapsed", time.Since(started)).
		Msg("archive uploaded")

	return a.prune(ctx)
}

// prune removes archives beyond the retention count, oldest first.
func (a *Archiver) prune(ctx context.Context) error {
	objects, err := a.s3.List(ctx, "archives/")
	if err != nil {
		return err
	}
	for i := archiveRetention; i < len(objects); i++ {
		if err := a.s3.Delete(ctx, objects[i].Key); err != nil {
			a.log.Warn().Err(err).Str("key", objects[i].Key).Msg("failed to prune archive")
			continue
		}
		a.log.Debug().Str("key", objects[i].Key).Msg("pruned old archive")
	}
	return nil
}

func createArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range files {
		if err := addToArchive(tw, path); err != nil {
			return err
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}
