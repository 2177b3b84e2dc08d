// Персистентный снимок кэша диалогов поверх bbolt. Один файл на процесс,
// bucket на мост. Снимок загружается при старте до первого сетевого прогрева:
// access-hash из прошлого запуска позволяют резолвить сущности сразу, ещё до
// того как MessagesGetDialogs переживёт стартовый flood-wait.
package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"mtproto-gateway/internal/core/entity"
	"mtproto-gateway/internal/infra/storage"
)

const (
	snapshotKey                      = "v1"
	snapshotOpenTimeout              = time.Second
	snapshotFileMode    os.FileMode = 0o600
)

// SnapshotStore — общее bbolt-хранилище снимков кэшей всех мостов.
type SnapshotStore struct {
	db *bbolt.DB
}

// OpenSnapshotStore открывает (создаёт) файл снимков.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, snapshotFileMode, &bbolt.Options{Timeout: snapshotOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("snapshot store: open %s: %w", path, err)
	}
	return &SnapshotStore{db: db}, nil
}

// Close закрывает файл базы данных.
func (s *SnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load возвращает сохранённый снимок кэша моста bridgeKey (nil, если нет).
func (s *SnapshotStore) Load(bridgeKey string) ([]entity.Entity, error) {
	if s == nil {
		return nil, nil
	}
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bridgeKey))
		if bucket == nil {
			return nil
		}
		if value := bucket.Get([]byte(snapshotKey)); value != nil {
			raw = append(raw, value...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot store: load %s: %w", bridgeKey, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var ents []entity.Entity
	if err = json.Unmarshal(raw, &ents); err != nil {
		// Повреждённый снимок не фатален: прогрев перезапишет его.
		return nil, nil
	}
	return ents, nil
}

// Save сохраняет снимок кэша моста bridgeKey.
func (s *SnapshotStore) Save(bridgeKey string, ents []entity.Entity) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(ents)
	if err != nil {
		return fmt.Errorf("snapshot store: marshal %s: %w", bridgeKey, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, createErr := tx.CreateBucketIfNotExists([]byte(bridgeKey))
		if createErr != nil {
			return createErr
		}
		return bucket.Put([]byte(snapshotKey), raw)
	})
	if err != nil {
		return fmt.Errorf("snapshot store: save %s: %w", bridgeKey, err)
	}
	return nil
}
