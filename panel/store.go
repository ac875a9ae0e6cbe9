package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// the preference blob is the only state persisted across sessions

var ErrNoPreferences = errors.New("No stored preferences.")

type PreferenceStore interface {
	// `ErrNoPreferences` if nothing was saved
	LoadPreferences(ctx context.Context) (*Preferences, error)
	SavePreferences(ctx context.Context, preferences *Preferences) error
}

const (
	preferencesBucket = "preferences"
	preferencesKey    = "panel"
)

func encodePreferences(preferences *Preferences) ([]byte, error) {
	blob, err := structpb.NewStruct(map[string]any{
		"docked_sidebar":   string(preferences.DockedSidebar),
		"enable_shortcuts": preferences.EnableShortcuts,
		"vibrate":          preferences.Vibrate,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(blob)
}

// fields missing from the blob keep their defaults
func decodePreferences(data []byte) (*Preferences, error) {
	blob := &structpb.Struct{}
	if err := proto.Unmarshal(data, blob); err != nil {
		return nil, err
	}
	preferences := DefaultPreferences()
	fields := blob.GetFields()
	if value, ok := fields["docked_sidebar"]; ok {
		mode := SidebarMode(value.GetStringValue())
		if mode.IsValid() {
			preferences.DockedSidebar = mode
		}
	}
	if value, ok := fields["enable_shortcuts"]; ok {
		preferences.EnableShortcuts = value.GetBoolValue()
	}
	if value, ok := fields["vibrate"]; ok {
		preferences.Vibrate = value.GetBoolValue()
	}
	return preferences, nil
}

// preferences in a bbolt file
type BoltPreferenceStore struct {
	db *bolt.DB
}

func NewBoltPreferenceStore(path string) (*BoltPreferenceStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("Could not open preferences %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(preferencesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltPreferenceStore{
		db: db,
	}, nil
}

func (self *BoltPreferenceStore) LoadPreferences(ctx context.Context) (*Preferences, error) {
	var data []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket([]byte(preferencesBucket)).Get([]byte(preferencesKey)); value != nil {
			// only valid for the life of the transaction
			data = append([]byte{}, value...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoPreferences
	}
	return decodePreferences(data)
}

func (self *BoltPreferenceStore) SavePreferences(ctx context.Context, preferences *Preferences) error {
	data, err := encodePreferences(preferences)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[store]save %+v\n", preferences)
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(preferencesBucket)).Put([]byte(preferencesKey), data)
	})
}

func (self *BoltPreferenceStore) Close() error {
	return self.db.Close()
}

// preferences for the life of the process
type MemoryPreferenceStore struct {
	stateLock   sync.Mutex
	preferences *Preferences
	saveCount   int
}

func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{}
}

func (self *MemoryPreferenceStore) LoadPreferences(ctx context.Context) (*Preferences, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.preferences == nil {
		return nil, ErrNoPreferences
	}
	preferences := *self.preferences
	return &preferences, nil
}

func (self *MemoryPreferenceStore) SavePreferences(ctx context.Context, preferences *Preferences) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	saved := *preferences
	self.preferences = &saved
	self.saveCount += 1
	return nil
}

func (self *MemoryPreferenceStore) SaveCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.saveCount
}
