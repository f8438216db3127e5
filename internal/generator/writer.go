package generator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/unipass/backend/internal/service"
)

// WriteDataset serializes the dataset to path. The format follows the
// extension: .json writes JSON, anything else YAML.
func WriteDataset(dataset service.Dataset, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	if err := Encode(file, dataset, formatFor(path)); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// ReadDataset loads a dataset written by WriteDataset.
func ReadDataset(path string) (service.Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return service.Dataset{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var ds service.Dataset
	if formatFor(path) == "json" {
		err = json.NewDecoder(file).Decode(&ds)
	} else {
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		err = dec.Decode(&ds)
	}
	if err != nil {
		return service.Dataset{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return ds, nil
}

// Encode writes the dataset in format, either "json" or "yaml".
func Encode(w io.Writer, dataset service.Dataset, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(dataset)
	}
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(dataset); err != nil {
		return err
	}
	return encoder.Close()
}

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}
