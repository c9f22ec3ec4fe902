// ABOUTME: TOML seed file loading for bulk credential import
// ABOUTME: Lets operators provision a whole pool in one command

package credential

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// SeedFile is the on-disk shape of a credential seed file:
//
//	[[credentials]]
//	id = "acct-1"
//	secret = "..."
//
//	[[credentials]]
//	id = "acct-2"
//	secret = "..."
type SeedFile struct {
	Credentials []SeedRecord `toml:"credentials"`
}

// SeedRecord is one credential entry in a seed file.
type SeedRecord struct {
	ID     string `toml:"id"`
	Secret string `toml:"secret"`
}

// LoadSeedFile parses a TOML seed file into pool records.
func LoadSeedFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var file SeedFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	records := make([]Record, 0, len(file.Credentials))
	for i, seed := range file.Credentials {
		if seed.ID == "" {
			return nil, fmt.Errorf("seed entry %d: id is required", i)
		}
		if seed.Secret == "" {
			return nil, fmt.Errorf("seed entry %q: secret is required", seed.ID)
		}
		records = append(records, Record{ID: seed.ID, Secret: seed.Secret, State: StateNormal})
	}
	return records, nil
}
