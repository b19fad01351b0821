package persona

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadFile reads persona definitions from a YAML/JSON/TOML file. The file holds a
// top-level "personas" list; the extension decides the format.
func LoadFile(path string) ([]Persona, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read persona file %s: %w", path, err)
	}

	var file struct {
		Personas []Persona `mapstructure:"personas"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode persona file %s: %w", path, err)
	}

	for i := range file.Personas {
		file.Personas[i].ID = strings.ToLower(strings.TrimSpace(file.Personas[i].ID))
	}
	return file.Personas, nil
}

// Load returns personas from path when set, otherwise the built-in seed list.
func Load(path string) (*MemoryStore, error) {
	items := Seed()
	if strings.TrimSpace(path) != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		items = loaded
	}
	return NewValidatedStore(items)
}
