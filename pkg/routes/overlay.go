package routes

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overlayFile is the YAML shape operators use to extend the built-in
// table without a rebuild. An overlay entry replaces the built-in entry
// for the same tuple.
type overlayFile struct {
	Routes []overlayRoute `yaml:"routes"`
}

type overlayRoute struct {
	SourceChain      string `yaml:"sourceChain"`
	DestinationChain string `yaml:"destinationChain"`
	Provider         string `yaml:"provider"`
	Supported        bool   `yaml:"supported"`
	Pipeline         []Hop  `yaml:"pipeline,omitempty"`
}

// LoadOverlay merges route entries from a YAML file into the table.
func (t *Table) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("routes: read overlay: %w", err)
	}
	var file overlayFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("routes: parse overlay: %w", err)
	}
	for i, r := range file.Routes {
		if r.SourceChain == "" || r.DestinationChain == "" || r.Provider == "" {
			return fmt.Errorf("routes: overlay entry %d is missing a chain or provider", i)
		}
		if r.Supported && len(r.Pipeline) > 0 {
			return fmt.Errorf("routes: overlay entry %d is supported but carries a pipeline", i)
		}
		t.entries[newRouteKey(r.SourceChain, r.DestinationChain, r.Provider)] = routeEntry{
			supported: r.Supported,
			pipeline:  r.Pipeline,
		}
	}
	return nil
}
