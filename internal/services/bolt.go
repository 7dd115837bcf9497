package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	preferencesBucket = []byte("preferences")
	preferencesKey    = []byte("chat")
)

// BoltDB implements the preference store using a BoltDB backend. Only the non-secret chat settings are
// kept, messages and API keys never touch the disk.
type BoltDB struct {
	db *bolt.DB

	defaults models.Preferences
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database with
// the required bucket and returns an error if the database cannot be opened or initialized. The database
// file is created with 0600 permissions if it doesn't exist. Defaults are returned until preferences are
// saved for the first time.
func NewBoltDB(path string, defaults models.Preferences) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(preferencesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create preferences bucket: %w", err)
	}

	return BoltDB{db: db, defaults: defaults}, nil
}

// Preferences returns the stored preferences, or the defaults if none were saved yet.
func (b BoltDB) Preferences(context.Context) (models.Preferences, error) {
	prefs := b.defaults
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(preferencesBucket)
		if bkt == nil {
			return nil
		}

		v := bkt.Get(preferencesKey)
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &prefs); err != nil {
			return fmt.Errorf("failed to unmarshal preferences: %w", err)
		}
		return nil
	})
	if err != nil {
		return b.defaults, err
	}
	return prefs, nil
}

// SavePreferences overwrites the stored preferences.
func (b BoltDB) SavePreferences(_ context.Context, prefs models.Preferences) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(preferencesBucket)
		if bkt == nil {
			return fmt.Errorf("bucket %s not found", preferencesBucket)
		}

		v, err := json.Marshal(prefs)
		if err != nil {
			return fmt.Errorf("failed to marshal preferences: %w", err)
		}

		return bkt.Put(preferencesKey, v)
	})
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
