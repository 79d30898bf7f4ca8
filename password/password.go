// Package password persists and rotates the per-slot password vector,
// grounded on virtualpad/pads/settings.py's load/save/regenerate trio
// and on spec.md §4.5/§6.5.
package password

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz"
const passwordLength = 4

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// fileContents is the JSON shape of the password file, per spec.md §6.5.
type fileContents struct {
	Passwords []string `json:"passwords"`
}

// Store persists N four-character lowercase passwords to disk, reloading
// on every check so that an external process (admin CLI, another server
// instance) can rotate them out from under a running server.
type Store struct {
	Log  *zap.Logger
	path string
	n    int

	mu sync.Mutex
}

// New returns a Store backed by path, managing exactly n slots.
func New(path string, n int) *Store {
	return &Store{Log: zap.NewNop(), path: path, n: n}
}

// All returns the current password for every slot, generating and
// persisting a fresh set if the file does not yet exist.
func (s *Store) All() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contents, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(contents.Passwords))
	copy(out, contents.Passwords)
	return out, nil
}

// Check reports whether password matches the stored password for index.
// It reloads from disk first, per spec.md §4.5.
func (s *Store) Check(index int, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contents, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	if index < 0 || index >= len(contents.Passwords) {
		return false, nil
	}
	return contents.Passwords[index] == password, nil
}

// Reset regenerates the passwords at the given indices (or every index
// if indices is empty) and persists the result, returning the full,
// updated password vector.
func (s *Store) Reset(indices []int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contents, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	targets := indices
	if len(targets) == 0 {
		targets = make([]int, s.n)
		for i := range targets {
			targets[i] = i
		}
	}
	for _, i := range targets {
		if i < 0 || i >= len(contents.Passwords) {
			continue
		}
		contents.Passwords[i] = generate()
	}
	if err := s.saveLocked(contents); err != nil {
		return nil, err
	}
	out := make([]string, len(contents.Passwords))
	copy(out, contents.Passwords)
	return out, nil
}

// loadLocked must be called with s.mu held.
func (s *Store) loadLocked() (fileContents, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		fresh := fileContents{Passwords: make([]string, s.n)}
		for i := range fresh.Passwords {
			fresh.Passwords[i] = generate()
		}
		if err := s.saveLocked(fresh); err != nil {
			return fileContents{}, err
		}
		return fresh, nil
	}
	if err != nil {
		return fileContents{}, fmt.Errorf("password: read %s: %w", s.path, err)
	}
	var contents fileContents
	if err := json.Unmarshal(raw, &contents); err != nil {
		return fileContents{}, fmt.Errorf("password: decode %s: %w", s.path, err)
	}
	return contents, nil
}

// saveLocked must be called with s.mu held.
func (s *Store) saveLocked(contents fileContents) error {
	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return fmt.Errorf("password: mkdir %s: %w", filepath.Dir(s.path), err)
	}
	raw, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("password: encode: %w", err)
	}
	if err := os.WriteFile(s.path, raw, fileMode); err != nil {
		return fmt.Errorf("password: write %s: %w", s.path, err)
	}
	s.Log.Info("passwords persisted", zap.String("path", s.path))
	return nil
}

func generate() string {
	b := make([]byte, passwordLength)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
