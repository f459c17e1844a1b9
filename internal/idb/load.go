package idb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads an instrument database export. Files ending in .json are decoded
// as JSON, everything else as YAML.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file File
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return FromFile(file)
}

func EnsureLoaded(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("empty idb path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("idb path %s is a directory", path)
	}
	return Load(path)
}

// ResolvePath makes an IDB path relative to the directory of the file that
// references it.
func ResolvePath(refPath, idbPath string) string {
	if idbPath == "" {
		return ""
	}
	if filepath.IsAbs(idbPath) {
		return idbPath
	}
	base := filepath.Dir(refPath)
	if base == "" {
		return idbPath
	}
	return filepath.Join(base, idbPath)
}
