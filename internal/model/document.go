package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Document is a binary input (question paper, faculty solution or student submission).
type Document struct {
	Name     string
	MIMEType string
	Data     []byte
}

// NewDocument wraps raw bytes, detecting the MIME type from content.
func NewDocument(name string, data []byte) Document {
	return Document{
		Name:     name,
		MIMEType: mimetype.Detect(data).String(),
		Data:     data,
	}
}

// LoadDocument reads a document from disk.
func LoadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return Document{}, fmt.Errorf("read %s: file is empty", path)
	}
	return NewDocument(filepath.Base(path), data), nil
}

// Hash returns the hex SHA-256 of the document bytes.
func (d Document) Hash() string {
	h := sha256.Sum256(d.Data)
	return hex.EncodeToString(h[:])
}
