package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/logging"
)

var collectionHashPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

// quarantineDir holds collections moved aside by NewResilientChromemDB.
const quarantineDir = ".quarantine"

// NewResilientChromemDB opens a persistent chromem DB. A collection
// directory that holds documents but no metadata file keeps chromem from
// loading at all; such collections are moved to .quarantine and the load is
// retried.
func NewResilientChromemDB(path string, compress bool, logger *logging.Logger) (*chromem.DB, error) {
	ctx := context.Background()

	db, err := chromem.NewPersistentDB(path, compress)
	if err == nil {
		logger.Debug(ctx, "chromem db loaded", zap.String("path", path))
		return db, nil
	}
	if !strings.Contains(err.Error(), "collection metadata file not found") {
		return nil, err
	}

	corrupt, findErr := findCorruptCollections(ctx, path, logger)
	if findErr != nil {
		logger.Error(ctx, "finding corrupt collections", zap.Error(findErr))
		return nil, err
	}
	if len(corrupt) == 0 {
		return nil, err
	}

	quarantine := filepath.Join(path, quarantineDir)
	if mkErr := os.MkdirAll(quarantine, 0o700); mkErr != nil {
		return nil, fmt.Errorf("creating quarantine directory: %w", mkErr)
	}

	moved := 0
	for _, hash := range corrupt {
		if !collectionHashPattern.MatchString(hash) {
			logger.Error(ctx, "invalid collection hash, skipping", zap.String("hash", hash))
			continue
		}
		src := filepath.Join(path, hash)
		dst := filepath.Join(quarantine, hash)
		logger.Warn(ctx, "quarantining corrupt collection",
			zap.String("collection_hash", hash),
			zap.String("to", dst))
		if err := os.Rename(src, dst); err != nil {
			logger.Error(ctx, "quarantine failed", zap.String("collection_hash", hash), zap.Error(err))
			continue
		}
		moved++
	}

	db, err = chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("loading chromem db after quarantine: %w", err)
	}
	logger.Info(ctx, "chromem db loaded after quarantine", zap.Int("quarantined", moved))
	return db, nil
}

// findCorruptCollections lists collection directories that contain .gob
// documents but no 00000000.gob metadata file.
func findCorruptCollections(ctx context.Context, path string, logger *logging.Logger) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var corrupt []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(path, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "00000000.gob")); !os.IsNotExist(err) {
			continue
		}
		files, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn(ctx, "reading collection directory", zap.String("collection_hash", entry.Name()), zap.Error(err))
			continue
		}
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".gob") {
				corrupt = append(corrupt, entry.Name())
				break
			}
		}
	}
	return corrupt, nil
}
