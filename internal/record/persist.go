package record

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Save writes a recording as indented JSON; paths ending in ".zst" are
// compressed with zstd on the way out.
func Save(path string, rec Recording) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("record path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(path, ".zst") {
		if _, err := file.Write(data); err != nil {
			file.Close()
			return err
		}
		return file.Close()
	}
	//1.- Compressed sink: route through zstd and surface the first failure.
	writer, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		file.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Load reads a recording persisted by Save, transparently decompressing
// ".zst" files.
func Load(path string) (Recording, error) {
	file, err := os.Open(path)
	if err != nil {
		return Recording{}, err
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return Recording{}, err
		}
		defer dec.Close()
		reader = dec
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return Recording{}, err
	}
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return Recording{}, fmt.Errorf("parse record %s: %w", path, err)
	}
	return rec, nil
}
