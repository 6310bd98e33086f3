package vectorstore

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
)

const (
	backupVersion = 1
	manifestName  = "manifest.json"
	restoreBatch  = 500
)

// BackupManifest describes the contents of a backup archive.
type BackupManifest struct {
	Version     int                       `json:"version"`
	CreatedAt   time.Time                 `json:"created_at"`
	Model       string                    `json:"model"`
	Collections map[string]CollectionDump `json:"collections"`
}

// CollectionDump locates one collection's point stream inside the archive.
type CollectionDump struct {
	File         string `json:"file"`
	Points       int    `json:"points"`
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
	Checksum     string `json:"checksum"`
}

// BackupName returns the archive filename for a backup taken at the given
// time.
func BackupName(at time.Time) string {
	return "vectordb_backup_" + at.Format("20060102_150405") + ".zip"
}

// Backup writes a zip archive of every collection to w. Point ids and
// vectors are preserved verbatim so a restore needs no re-embedding.
func (s *Service) Backup(ctx context.Context, w io.Writer) error {
	engine, err := s.gate()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := engine.ListCollections(ctx)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	manifest := BackupManifest{
		Version:     backupVersion,
		CreatedAt:   time.Now().UTC(),
		Model:       s.opts.Embedder.GetModel(),
		Collections: make(map[string]CollectionDump, len(names)),
	}

	for _, name := range names {
		repo, err := engine.repository(ctx, name)
		if err != nil {
			return err
		}

		entryName := "collections/" + name + ".jsonl"
		entry, err := zw.Create(entryName)
		if err != nil {
			return fmt.Errorf("vectorstore: backup entry %s: %w", entryName, err)
		}

		sum := sha256.New()
		enc := json.NewEncoder(io.MultiWriter(entry, sum))
		count, err := engine.DumpPoints(ctx, name, func(p PointDump) error {
			return enc.Encode(p)
		})
		if err != nil {
			return err
		}

		manifest.Collections[name] = CollectionDump{
			File:         entryName,
			Points:       count,
			ChunkSize:    repo.cfg.ChunkSize,
			ChunkOverlap: repo.cfg.ChunkOverlap,
			Checksum:     hex.EncodeToString(sum.Sum(nil)),
		}
		s.logger.Info("Backed up collection", "collection", name, "points", count)
	}

	entry, err := zw.Create(manifestName)
	if err != nil {
		return fmt.Errorf("vectorstore: backup manifest: %w", err)
	}
	enc := json.NewEncoder(entry)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return fmt.Errorf("vectorstore: backup manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("vectorstore: finalize backup: %w", err)
	}
	return nil
}

// Restore replaces every collection named in the archive's manifest with
// the archived points. Collections absent from the archive are left alone.
// A failed restore moves the service to the error state: the index may
// hold a half-written collection and must not serve reads.
func (s *Service) Restore(ctx context.Context, archivePath string) error {
	engine, err := s.gate()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.restoreArchive(ctx, engine, archivePath); err != nil {
		s.fail(fmt.Errorf("restore failed: %w", err))
		return err
	}
	return nil
}

func (s *Service) restoreArchive(ctx context.Context, engine *Engine, archivePath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("vectorstore: open archive: %w", err)
	}
	defer zr.Close()

	manifest, err := readManifest(&zr.Reader)
	if err != nil {
		return err
	}
	if manifest.Version != backupVersion {
		return fmt.Errorf("vectorstore: unsupported backup version %d", manifest.Version)
	}

	names := make([]string, 0, len(manifest.Collections))
	for name := range manifest.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dump := manifest.Collections[name]
		if _, err := engine.EnsureCollection(ctx, CollectionConfig{
			Name:         name,
			ChunkSize:    dump.ChunkSize,
			ChunkOverlap: dump.ChunkOverlap,
		}); err != nil {
			return err
		}
		if err := engine.Clear(ctx, name); err != nil {
			return err
		}
		if err := s.loadDump(ctx, engine, &zr.Reader, name, dump); err != nil {
			return err
		}

		count, err := engine.Count(ctx, name)
		if err != nil {
			return err
		}
		if count != dump.Points {
			return fmt.Errorf("vectorstore: restored %d points in %s, manifest expects %d", count, name, dump.Points)
		}
		s.logger.Info("Restored collection", "collection", name, "points", count)
	}
	return nil
}

func (s *Service) loadDump(ctx context.Context, engine *Engine, zr *zip.Reader, name string, dump CollectionDump) error {
	entry, err := openEntry(zr, dump.File)
	if err != nil {
		return err
	}
	defer entry.Close()

	sum := sha256.New()
	dec := json.NewDecoder(io.TeeReader(entry, sum))

	batch := make([]PointDump, 0, restoreBatch)
	flush := func() error {
		if err := engine.RestorePoints(ctx, name, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		var p PointDump
		if err := dec.Decode(&p); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("vectorstore: decode %s: %w", dump.File, err)
		}
		batch = append(batch, p)
		if len(batch) == restoreBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if got := hex.EncodeToString(sum.Sum(nil)); got != dump.Checksum {
		return fmt.Errorf("vectorstore: checksum mismatch for %s", dump.File)
	}
	return nil
}

func readManifest(zr *zip.Reader) (*BackupManifest, error) {
	entry, err := openEntry(zr, manifestName)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: archive has no manifest: %w", err)
	}
	defer entry.Close()

	var manifest BackupManifest
	if err := json.NewDecoder(entry).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("vectorstore: decode manifest: %w", err)
	}
	return &manifest, nil
}

func openEntry(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("vectorstore: archive entry %s not found", name)
}
