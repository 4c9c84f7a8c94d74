package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"finrag/config"
	"finrag/internal/domain"
)

// CurrentSchemaVersion is the current schema version.
// Increment this when making breaking changes to the storage format.
const CurrentSchemaVersion = 1

var (
	keySchemaVersion  = []byte("schema_version")
	keyConfigHash     = []byte("config_hash")
	keyEmbeddingSpace = []byte("embedding_space")
)

// SchemaInfo stores schema version and configuration hash.
type SchemaInfo struct {
	Version    int    `json:"version"`
	ConfigHash string `json:"config_hash"`
}

// EmbeddingSpace identifies the model that produced a collection's vectors.
type EmbeddingSpace struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// GetSchemaInfo retrieves the current schema info from the database.
func (s *BoltStore) GetSchemaInfo() (*SchemaInfo, error) {
	var info SchemaInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStats)

		if data := b.Get(keySchemaVersion); data != nil {
			if err := json.Unmarshal(data, &info.Version); err != nil {
				return fmt.Errorf("corrupt schema version: %w", err)
			}
		}
		if data := b.Get(keyConfigHash); data != nil {
			info.ConfigHash = string(data)
		}
		return nil
	})
	return &info, err
}

// SetSchemaInfo stores the schema info in the database.
func (s *BoltStore) SetSchemaInfo(info *SchemaInfo) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStats)

		versionData, err := json.Marshal(info.Version)
		if err != nil {
			return err
		}
		if err := b.Put(keySchemaVersion, versionData); err != nil {
			return err
		}

		return b.Put(keyConfigHash, []byte(info.ConfigHash))
	})
}

// ComputeConfigHash hashes the settings that shape stored chunks.
// A different hash means the collection should be rebuilt.
func ComputeConfigHash(cfg *config.Config) string {
	relevant := struct {
		Stemming     bool   `json:"stemming"`
		ChunkTokens  int    `json:"chunk_tokens"`
		ChunkOverlap int    `json:"chunk_overlap"`
		EmbProvider  string `json:"emb_provider"`
		EmbModel     string `json:"emb_model"`
	}{
		Stemming:     cfg.Ingest.Stemming,
		ChunkTokens:  cfg.Ingest.ChunkTokens,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		EmbProvider:  cfg.Embedding.Provider,
		EmbModel:     cfg.Embedding.Model,
	}

	data, _ := json.Marshal(relevant)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// MigrationResult describes the result of a migration check.
type MigrationResult struct {
	NeedsMigration bool
	NeedsRebuild   bool
	OldVersion     int
	NewVersion     int
	Reason         string
}

// CheckMigration checks if migration or rebuild is needed.
func (s *BoltStore) CheckMigration(cfg *config.Config) (*MigrationResult, error) {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema info: %w", err)
	}

	result := &MigrationResult{
		OldVersion: info.Version,
		NewVersion: CurrentSchemaVersion,
	}

	switch {
	case info.Version == 0:
		result.NeedsMigration = true
		result.Reason = "initializing schema version"
	case info.Version < CurrentSchemaVersion:
		result.NeedsMigration = true
		result.Reason = fmt.Sprintf("schema upgrade from v%d to v%d", info.Version, CurrentSchemaVersion)
	case info.Version > CurrentSchemaVersion:
		result.NeedsRebuild = true
		result.Reason = fmt.Sprintf("database created by newer version (v%d > v%d)", info.Version, CurrentSchemaVersion)
		return result, nil
	}

	if info.ConfigHash != "" && info.ConfigHash != ComputeConfigHash(cfg) {
		result.NeedsRebuild = true
		result.Reason = "ingest or embedding configuration changed"
	}

	return result, nil
}

// Migrate brings the schema to the current version and records the
// configuration hash.
func (s *BoltStore) Migrate(cfg *config.Config) error {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return err
	}
	if info.Version > CurrentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", info.Version, CurrentSchemaVersion)
	}

	return s.SetSchemaInfo(&SchemaInfo{
		Version:    CurrentSchemaVersion,
		ConfigHash: ComputeConfigHash(cfg),
	})
}

// EmbeddingSpace returns the recorded embedding space, or nil when the
// collection has never been written.
func (s *BoltStore) EmbeddingSpace() (*EmbeddingSpace, error) {
	var space *EmbeddingSpace
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStats).Get(keyEmbeddingSpace)
		if data == nil {
			return nil
		}
		space = &EmbeddingSpace{}
		return json.Unmarshal(data, space)
	})
	return space, err
}

// GuardEmbeddingSpace records want on first use and afterwards rejects any
// other provider, model or dimension.
func (s *BoltStore) GuardEmbeddingSpace(want EmbeddingSpace) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStats)
		if data := b.Get(keyEmbeddingSpace); data != nil {
			var have EmbeddingSpace
			if err := json.Unmarshal(data, &have); err != nil {
				return fmt.Errorf("corrupt embedding space record: %w", err)
			}
			if have != want {
				return fmt.Errorf("%w: stored %s/%s (%d), configured %s/%s (%d)",
					domain.ErrEmbeddingSpaceMismatch,
					have.Provider, have.Model, have.Dimension,
					want.Provider, want.Model, want.Dimension)
			}
			return nil
		}
		data, err := json.Marshal(want)
		if err != nil {
			return err
		}
		return b.Put(keyEmbeddingSpace, data)
	})
}

// Clear removes all chunks, postings and vectors. Schema info and the
// embedding space record survive.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketChunks, bucketBlobs, bucketTerms, bucketVectors} {
			if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketStats).Delete(keyStats)
	})
}

// ResetEmbeddingSpace forgets the recorded space, used before a rebuild
// with a different model.
func (s *BoltStore) ResetEmbeddingSpace() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStats).Delete(keyEmbeddingSpace)
	})
}
