package intel

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile decodes every YAML document in path. Each document is validated.
func LoadFile(path string) ([]ResearchIntelligence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open intel file: %w", err)
	}
	defer func() { _ = f.Close() }()
	out, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// Decode reads a stream of YAML documents.
func Decode(r io.Reader) ([]ResearchIntelligence, error) {
	dec := yaml.NewDecoder(r)
	var out []ResearchIntelligence
	for i := 0; ; i++ {
		var ri ResearchIntelligence
		err := dec.Decode(&ri)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode document %d: %w", i, err)
		}
		if err := ri.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		out = append(out, ri)
	}
	return out, nil
}
