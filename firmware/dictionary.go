package firmware

import (
	"encoding/json"
	"fmt"
	"sync"

	"mcpcan/tinycompress"
)

// Dictionary is the data dictionary served to the host through identify.
// It lists the firmware version, constants, enumerations and the ID of every
// command and response.
type Dictionary struct {
	mu            sync.RWMutex
	registry      *CommandRegistry
	version       string
	buildVersions string
	constants     map[string]string
	enumerations  map[string]map[string]int

	cached []byte // compressed, built on first use
}

type dictionaryJSON struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

func NewDictionary(registry *CommandRegistry, version string) *Dictionary {
	return &Dictionary{
		registry:      registry,
		version:       version,
		buildVersions: "go",
		constants:     make(map[string]string),
		enumerations:  make(map[string]map[string]int),
	}
}

// AddConstant adds a constant. The value is rendered with %v.
func (d *Dictionary) AddConstant(name string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constants[name] = fmt.Sprint(value)
	d.cached = nil
}

// AddEnumeration maps each non-empty value to its index.
func (d *Dictionary) AddEnumeration(name string, values []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	enum := make(map[string]int, len(values))
	for i, v := range values {
		if v != "" {
			enum[v] = i
		}
	}
	d.enumerations[name] = enum
	d.cached = nil
}

// JSON renders the uncompressed dictionary.
func (d *Dictionary) JSON() ([]byte, error) {
	commands, responses := d.registry.CommandsAndResponses()

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := dictionaryJSON{
		Version:       d.version,
		BuildVersions: d.buildVersions,
		Config:        d.constants,
		Commands:      commands,
		Responses:     responses,
	}
	if len(d.enumerations) > 0 {
		out.Enumerations = d.enumerations
	}
	return json.Marshal(out)
}

// Build compresses the dictionary and caches it. Call it after every
// command has been registered.
func (d *Dictionary) Build() error {
	raw, err := d.JSON()
	if err != nil {
		return fmt.Errorf("dictionary: %w", err)
	}
	compressed := tinycompress.Compress(raw)

	d.mu.Lock()
	d.cached = compressed
	d.mu.Unlock()
	return nil
}

// Chunk returns up to count bytes of the compressed dictionary starting at
// offset. An empty chunk marks the end.
func (d *Dictionary) Chunk(offset uint32, count uint8) []byte {
	d.mu.RLock()
	data := d.cached
	d.mu.RUnlock()

	if data == nil {
		if err := d.Build(); err != nil {
			return nil
		}
		d.mu.RLock()
		data = d.cached
		d.mu.RUnlock()
	}

	if offset >= uint32(len(data)) {
		return nil
	}
	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	return append([]byte(nil), data[offset:end]...)
}
