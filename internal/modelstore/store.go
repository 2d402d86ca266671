// Package modelstore persists fitted per-axis classifiers as JSON files laid
// out as <dir>/<equipmentID>/<axis>.json.
package modelstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vibranium/internal/model"
	"vibranium/internal/ocsvm"
)

var (
	ErrNotFound   = errors.New("model not found")
	ErrInvalidKey = errors.New("invalid model key")
)

type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("model %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Artifact is the on-disk form of one axis model.
type Artifact struct {
	EquipmentID string       `json:"equipment_id"`
	Axis        model.Axis   `json:"axis"`
	Model       *ocsvm.Model `json:"model"`
}

type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("models dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &PersistenceError{Op: "init", Path: dir, Err: err}
	}
	return &FileStore{dir: dir, locks: make(map[string]*sync.RWMutex)}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func validKey(equipmentID string) error {
	if equipmentID == "" || equipmentID == "." || equipmentID == ".." ||
		strings.ContainsAny(equipmentID, `/\`) || strings.ContainsRune(equipmentID, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, equipmentID)
	}
	return nil
}

func (s *FileStore) path(equipmentID string, axis model.Axis) string {
	return filepath.Join(s.dir, equipmentID, string(axis)+".json")
}

func (s *FileStore) lock(equipmentID string, axis model.Axis) *sync.RWMutex {
	key := equipmentID + "/" + string(axis)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	return l
}

// Save replaces the artifact atomically: readers see either the old file or
// the new one.
func (s *FileStore) Save(equipmentID string, axis model.Axis, m *ocsvm.Model) error {
	if err := validKey(equipmentID); err != nil {
		return err
	}
	if m == nil {
		return errors.New("nil model")
	}
	l := s.lock(equipmentID, axis)
	l.Lock()
	defer l.Unlock()

	path := s.path(equipmentID, axis)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	data, err := json.Marshal(Artifact{EquipmentID: equipmentID, Axis: axis, Model: m})
	if err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+string(axis)+"-*.tmp")
	if err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmpName, path)
	}
	if werr != nil {
		_ = os.Remove(tmpName)
		return &PersistenceError{Op: "save", Path: path, Err: werr}
	}
	return nil
}

// SaveSet writes one model per axis.
func (s *FileStore) SaveSet(equipmentID string, models map[model.Axis]*ocsvm.Model) error {
	for _, axis := range model.Axes {
		m, ok := models[axis]
		if !ok {
			return fmt.Errorf("missing model for axis %s", axis)
		}
		if err := s.Save(equipmentID, axis, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Load(equipmentID string, axis model.Axis) (*ocsvm.Model, error) {
	if err := validKey(equipmentID); err != nil {
		return nil, err
	}
	l := s.lock(equipmentID, axis)
	l.RLock()
	defer l.RUnlock()

	path := s.path(equipmentID, axis)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, equipmentID, axis)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	if a.Model == nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: errors.New("artifact has no model")}
	}
	return a.Model, nil
}

// Exists reports whether every axis of the equipment has a model.
func (s *FileStore) Exists(equipmentID string) bool {
	if validKey(equipmentID) != nil {
		return false
	}
	for _, axis := range model.Axes {
		if _, err := os.Stat(s.path(equipmentID, axis)); err != nil {
			return false
		}
	}
	return true
}

// Delete removes all artifacts of the equipment.
func (s *FileStore) Delete(equipmentID string) error {
	if err := validKey(equipmentID); err != nil {
		return err
	}
	for _, axis := range model.Axes {
		l := s.lock(equipmentID, axis)
		l.Lock()
		err := os.Remove(s.path(equipmentID, axis))
		l.Unlock()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return &PersistenceError{Op: "delete", Path: s.path(equipmentID, axis), Err: err}
		}
	}
	return nil
}
