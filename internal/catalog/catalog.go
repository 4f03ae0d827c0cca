// Package catalog loads character rosters from YAML. The default roster is
// embedded and seeds an empty exchange on start-up.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"phimarket/internal/exchange"
)

//go:embed seed.yaml
var defaultRoster []byte

var (
	Crews    = []string{"Allied", "Big Deal", "Workers", "Hostel", "God Dog", "Burn Knuckles", "Gen 0", "Gen 1"}
	Rarities = []string{"Common", "Rare", "Epic", "Legendary", "Mythic"}
)

type file struct {
	Characters []exchange.CharacterInput `yaml:"characters"`
}

// Default returns the embedded roster.
func Default() ([]exchange.CharacterInput, error) {
	return Parse(defaultRoster)
}

// Load reads a roster file. An empty path means the embedded roster.
func Load(path string) ([]exchange.CharacterInput, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]exchange.CharacterInput, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}
	if err := Validate(f.Characters); err != nil {
		return nil, err
	}
	return f.Characters, nil
}

func Validate(roster []exchange.CharacterInput) error {
	if len(roster) == 0 {
		return fmt.Errorf("catalog: roster is empty")
	}
	seen := make(map[string]bool, len(roster))
	for i, c := range roster {
		id := exchange.Slugify(c.Name)
		switch {
		case id == "":
			return fmt.Errorf("catalog: entry %d has no name", i)
		case seen[id]:
			return fmt.Errorf("catalog: duplicate character %q", id)
		case c.BasePrice < 1:
			return fmt.Errorf("catalog: %s: price must be >= 1", id)
		case c.Gender != exchange.GenderMale && c.Gender != exchange.GenderFemale:
			return fmt.Errorf("catalog: %s: gender must be male or female", id)
		case c.Crew != "" && !slices.Contains(Crews, c.Crew):
			return fmt.Errorf("catalog: %s: unknown crew %q", id, c.Crew)
		case c.Rarity != "" && !slices.Contains(Rarities, c.Rarity):
			return fmt.Errorf("catalog: %s: unknown rarity %q", id, c.Rarity)
		}
		seen[id] = true
	}
	return nil
}
