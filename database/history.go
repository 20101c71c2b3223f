// Package database persists a history of injection transactions in a
// local sqlite file.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InjectionRecord represents one committed transaction
type InjectionRecord struct {
	ID        string `gorm:"primaryKey"`
	Pid       int    `gorm:"index"`
	Address   uint64
	ByteCount int
	Program   string `gorm:"type:text"`
	Code      []byte `gorm:"type:blob"` // sealed machine code
	Executed  bool
	ExitValue uint64
	Status    string // committed, failed
	Error     string
	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

// BeforeCreate hook to generate UUID
func (r *InjectionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().Unix()
	}
	r.UpdatedAt = time.Now().Unix()
	return nil
}

// Store is an open history database
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the history database at path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&InjectionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Save persists a record
func (s *Store) Save(record *InjectionRecord) error {
	return s.db.Save(record).Error
}

// Records retrieves all records, newest first
func (s *Store) Records() ([]*InjectionRecord, error) {
	var records []*InjectionRecord
	err := s.db.Order("created_at DESC").Find(&records).Error
	return records, err
}

// RecordByID retrieves a record by ID
func (s *Store) RecordByID(id string) (*InjectionRecord, error) {
	var record InjectionRecord
	err := s.db.Where("id = ?", id).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// RecordsByPid retrieves all records for a target pid, newest first
func (s *Store) RecordsByPid(pid int) ([]*InjectionRecord, error) {
	var records []*InjectionRecord
	err := s.db.Where("pid = ?", pid).Order("created_at DESC").Find(&records).Error
	return records, err
}

// Delete removes a record by ID
func (s *Store) Delete(id string) error {
	return s.db.Delete(&InjectionRecord{}, "id = ?", id).Error
}
