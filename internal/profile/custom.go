package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/kforge/internal/kconfig"
)

// CustomFile is the on-disk form of a custom profile.
//
//	name: studio
//	directives:
//	  - {key: PREEMPT_RT, action: enable}
//	  - {key: HZ, action: set, value: "1000"}
type CustomFile struct {
	Name       string               `yaml:"name,omitempty"`
	Directives kconfig.DirectiveSet `yaml:"directives"`
}

// LoadCustom reads and validates a custom profile file.
func LoadCustom(path string) (CustomFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CustomFile{}, fmt.Errorf("read custom profile: %w", err)
	}
	file, err := DecodeCustom(bytes.NewReader(data))
	if err != nil {
		return CustomFile{}, fmt.Errorf("custom profile %s: %w", path, err)
	}
	return file, nil
}

// DecodeCustom parses a custom profile document. Keys are normalized to carry the CONFIG_ prefix.
func DecodeCustom(r io.Reader) (CustomFile, error) {
	var file CustomFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return CustomFile{}, errors.New("empty document")
		}
		return CustomFile{}, err
	}
	if len(file.Directives) == 0 {
		return CustomFile{}, errors.New("no directives")
	}
	if err := file.Directives.Validate(); err != nil {
		return CustomFile{}, err
	}
	for i := range file.Directives {
		file.Directives[i].Key = kconfig.Normalize(file.Directives[i].Key)
	}
	return file, nil
}
