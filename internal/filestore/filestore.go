// Package filestore persists raw document content on disk so every ingested
// document keeps a traceable source artifact.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store writes document artifacts under a fixed root directory using the
// layout <root>/<client_id>/<base_id>/<document_id>/.
type Store struct {
	root string
}

// New creates a file store rooted at the given path.
func New(root string) *Store {
	if root == "" {
		root = "static/knowledge"
	}
	return &Store{root: root}
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// SaveUpload writes uploaded bytes as source<ext> inside the document
// directory and returns the absolute path. The extension is taken from the
// original filename, lowercased; files without one get ".bin".
func (s *Store) SaveUpload(clientID, baseID, documentID uuid.UUID, filename string, data []byte) (string, error) {
	dir, err := s.documentDir(clientID, baseID, documentID)
	if err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}

	target := filepath.Join(dir, "source"+ext)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return absolute(target)
}

// SaveText writes text content as text<extension> inside the document
// directory and returns the absolute path.
func (s *Store) SaveText(clientID, baseID, documentID uuid.UUID, content, extension string) (string, error) {
	dir, err := s.documentDir(clientID, baseID, documentID)
	if err != nil {
		return "", err
	}
	if extension == "" {
		extension = ".txt"
	}

	target := filepath.Join(dir, "text"+extension)
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write text: %w", err)
	}
	return absolute(target)
}

// Remove deletes a document's directory and everything in it. Removing a
// document that never stored anything is not an error.
func (s *Store) Remove(clientID, baseID, documentID uuid.UUID) error {
	dir := filepath.Join(s.root, clientID.String(), baseID.String(), documentID.String())
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove document dir: %w", err)
	}
	return nil
}

func (s *Store) documentDir(clientID, baseID, documentID uuid.UUID) (string, error) {
	dir := filepath.Join(s.root, clientID.String(), baseID.String(), documentID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create document dir: %w", err)
	}
	return dir, nil
}

func absolute(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return abs, nil
}
