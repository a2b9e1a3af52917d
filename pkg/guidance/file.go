package guidance

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadActivityFile reads an ActivityConfig from a YAML file.
func LoadActivityFile(path string) (ActivityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ActivityConfig{}, fmt.Errorf("read activity file: %w", err)
	}
	cfg, err := ParseActivity(data)
	if err != nil {
		return ActivityConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseActivity decodes YAML strictly, rejecting unknown keys, then
// normalizes and validates the result.
func ParseActivity(data []byte) (ActivityConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg ActivityConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return ActivityConfig{}, errors.New("activity file is empty")
		}
		return ActivityConfig{}, fmt.Errorf("decode activity: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return ActivityConfig{}, err
	}
	return cfg, nil
}

// MarshalActivity renders cfg as YAML.
func MarshalActivity(cfg ActivityConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
