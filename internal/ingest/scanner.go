package ingest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var supportedExtensions = map[string]bool{".txt": true, ".md": true}

// KnowledgeStore is the subset of memory.Store the ingester needs.
type KnowledgeStore interface {
	ReplaceKnowledgeSource(scope, source string, chunks []string, titleFor func(index int, chunk string) string) error
}

// Config controls chunking and directory layout, mirroring
// JOI_INGESTION_* env vars from the original implementation.
type Config struct {
	Root        string // <ingestion_root>; holds input/ and done/
	ChunkSize   int
	Overlap     int
	KeepFiles   bool // move to done/ instead of touch-marker-and-delete
	MaxFileSize int64
}

// DefaultConfig returns spec §4.8's defaults.
func DefaultConfig(root string) Config {
	return Config{
		Root:        root,
		ChunkSize:   defaultChunkSize,
		Overlap:     defaultOverlap,
		MaxFileSize: maxFileSize,
	}
}

// Ingester scans <root>/input/<scope>/* for pending documents and loads
// them into the memory store's knowledge_chunks table — spec §4.8.
type Ingester struct {
	cfg    Config
	store  KnowledgeStore
	logger *slog.Logger
}

// New creates an Ingester.
func New(cfg Config, store KnowledgeStore, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = maxFileSize
	}
	return &Ingester{cfg: cfg, store: store, logger: logger}
}

func (in *Ingester) inputDir() string { return filepath.Join(in.cfg.Root, "input") }
func (in *Ingester) doneDir() string  { return filepath.Join(in.cfg.Root, "done") }

// Root returns the ingestion root directory, for callers (e.g. the
// document-ingest HTTP handler) that need to write a new attachment
// into input/ before the next ProcessPending picks it up.
func (in *Ingester) Root() string { return in.cfg.Root }

// ProcessPending scans every scope directory under input/ and ingests
// files not yet marked done. Returns the count of files and chunks
// processed. One bad file never stops the scan — spec §4.7's per-task
// isolation extends to per-file isolation here.
func (in *Ingester) ProcessPending() (filesProcessed, totalChunks int, err error) {
	entries, err := os.ReadDir(in.inputDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("read input dir: %w", err)
	}

	for _, scopeEntry := range entries {
		if !scopeEntry.IsDir() {
			continue
		}
		scope := scopeEntry.Name()
		scopeDir := filepath.Join(in.inputDir(), scope)

		files, err := os.ReadDir(scopeDir)
		if err != nil {
			in.logger.Error("read scope dir failed", "scope", scope, "error", err)
			continue
		}

		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			if !supportedExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}

			path := filepath.Join(scopeDir, f.Name())
			marker := filepath.Join(in.doneDir(), scope, f.Name())
			if _, err := os.Stat(marker); err == nil {
				continue // already processed
			}

			chunks, err := in.ingestFile(path, scope)
			if err != nil {
				in.logger.Error("ingest file failed", "path", path, "error", err)
				continue
			}
			if chunks == 0 {
				continue
			}
			if err := in.markDone(path, scope); err != nil {
				in.logger.Error("mark done failed", "path", path, "error", err)
				continue
			}
			filesProcessed++
			totalChunks += chunks
		}
	}

	if filesProcessed > 0 {
		in.logger.Info("auto-ingestion", "files", filesProcessed, "chunks", totalChunks)
	}
	return filesProcessed, totalChunks, nil
}

// ingestFile validates, chunks, and stores one file; returns the chunk
// count, or deletes the file outright on a hard validation failure
// (bad UTF-8) per spec §4.8 step 2.
func (in *Ingester) ingestFile(path, scope string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size() > in.cfg.MaxFileSize {
		return 0, fmt.Errorf("file exceeds max size %d bytes", in.cfg.MaxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if !ValidUTF8(data) {
		os.Remove(path)
		return 0, fmt.Errorf("rejected: not valid UTF-8, deleted")
	}

	text := string(data)
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}

	source := scope + "/" + filepath.Base(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	title := ExtractTitle(text, stem)

	chunks := ChunkText(text, in.cfg.ChunkSize, in.cfg.Overlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	err = in.store.ReplaceKnowledgeSource(scope, source, chunks, func(i int, c string) string {
		return title
	})
	if err != nil {
		return 0, fmt.Errorf("store chunks: %w", err)
	}
	return len(chunks), nil
}

// markDone moves the processed file to done/<scope>/ (KeepFiles) or
// touches a marker there and deletes the original — spec §4.8 step 6.
func (in *Ingester) markDone(path, scope string) error {
	destDir := filepath.Join(in.doneDir(), scope)
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return err
	}
	dest := filepath.Join(destDir, filepath.Base(path))

	if in.cfg.KeepFiles {
		return os.Rename(path, dest)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(path)
}

// WriteAttachment atomically stores a messenger attachment into
// <root>/input/<scope>/<name> by writing to a randomly-suffixed temp
// file first and renaming into place — spec §4.8's "Atomic writes" note.
func WriteAttachment(root, scope, name string, data []byte) (string, error) {
	dir := filepath.Join(root, "input", scope)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create scope dir: %w", err)
	}

	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	final := filepath.Join(dir, name)
	tmp := final + ".tmp-" + suffix

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write temp attachment: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename attachment into place: %w", err)
	}
	return final, nil
}

func randomSuffix() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random suffix: %w", err)
	}
	return hex.EncodeToString(b), nil
}
