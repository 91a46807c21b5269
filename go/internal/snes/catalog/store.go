package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned for ROMs or thumbnails that are not stored.
var ErrNotFound = errors.New("not found")

// StoredROM is the persisted ROM record.
type StoredROM struct {
	Name    string `gorm:"primaryKey"`
	Size    int64
	Type    string
	AddedAt time.Time `gorm:"index"`
	Data    []byte
}

func (StoredROM) TableName() string { return "roms" }

// Thumbnail is a captured frame of a game, keyed by ROM name.
type Thumbnail struct {
	Name       string `gorm:"primaryKey"`
	PNG        []byte
	CapturedAt time.Time
}

func (Thumbnail) TableName() string { return "thumbnails" }

// ROMMeta is a stored ROM without its bytes.
type ROMMeta struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Type    string    `json:"type"`
	AddedAt time.Time `json:"addedAt"`
}

// Store persists uploaded ROMs and their thumbnails.
type Store struct {
	db    *gorm.DB
	clock clockwork.Clock
}

// OpenStore opens driver ("sqlite" or "postgres") at dsn and migrates the schema.
func OpenStore(driver, dsn string, clock clockwork.Clock) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("open store: unknown driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewStore(db, clock)
}

// NewStore wraps an open database.
func NewStore(db *gorm.DB, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := db.AutoMigrate(&StoredROM{}, &Thumbnail{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// Put stores or replaces a ROM.
func (s *Store) Put(ctx context.Context, name, contentType string, data []byte) (ROMMeta, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	rec := StoredROM{
		Name:    name,
		Size:    int64(len(data)),
		Type:    contentType,
		AddedAt: s.clock.Now().UTC(),
		Data:    data,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return ROMMeta{}, fmt.Errorf("put rom %s: %w", name, err)
	}
	return rec.meta(), nil
}

// Get returns a ROM with its bytes.
func (s *Store) Get(ctx context.Context, name string) (ROMMeta, []byte, error) {
	var rec StoredROM
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ROMMeta{}, nil, fmt.Errorf("rom %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return ROMMeta{}, nil, fmt.Errorf("get rom %s: %w", name, err)
	}
	return rec.meta(), rec.Data, nil
}

// List returns stored ROMs newest first.
func (s *Store) List(ctx context.Context) ([]ROMMeta, error) {
	var recs []StoredROM
	err := s.db.WithContext(ctx).
		Select("name", "size", "type", "added_at").
		Order("added_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list roms: %w", err)
	}
	out := make([]ROMMeta, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.meta())
	}
	return out, nil
}

// Entries lists stored ROMs as catalog entries.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	metas, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(metas))
	for _, m := range metas {
		out = append(out, Entry{Name: m.Name, Source: SourceLocal})
	}
	return out, nil
}

// Delete removes a ROM and its thumbnail.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("name = ?", name).Delete(&StoredROM{}).Error; err != nil {
			return fmt.Errorf("delete rom %s: %w", name, err)
		}
		if err := tx.Where("name = ?", name).Delete(&Thumbnail{}).Error; err != nil {
			return fmt.Errorf("delete thumbnail %s: %w", name, err)
		}
		return nil
	})
}

// PutThumbnail stores a captured frame for a game.
func (s *Store) PutThumbnail(ctx context.Context, name string, png []byte) error {
	rec := Thumbnail{Name: name, PNG: png, CapturedAt: s.clock.Now().UTC()}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("put thumbnail %s: %w", name, err)
	}
	return nil
}

// Thumbnail returns the stored frame for a game.
func (s *Store) Thumbnail(ctx context.Context, name string) ([]byte, error) {
	var rec Thumbnail
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("thumbnail %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thumbnail %s: %w", name, err)
	}
	return rec.PNG, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r StoredROM) meta() ROMMeta {
	return ROMMeta{Name: r.Name, Size: r.Size, Type: r.Type, AddedAt: r.AddedAt}
}
