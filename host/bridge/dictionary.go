package bridge

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Dictionary is the firmware's data dictionary.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// ParseDictionary decodes raw dictionary bytes as served by identify.
// zlib compressed data (0x78 header) is inflated first.
func ParseDictionary(raw []byte) (*Dictionary, error) {
	data := raw
	if len(raw) >= 2 && raw[0] == 0x78 {
		inflated, err := decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("decompress dictionary: %w", err)
		}
		data = inflated
	}

	dict := &Dictionary{}
	if err := json.Unmarshal(data, dict); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return dict, nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// CommandID returns the ID of the named command. Dictionary keys are full
// format strings; name matches their first word.
func (d *Dictionary) CommandID(name string) (uint16, bool) {
	return lookupFormat(d.Commands, name)
}

// ResponseID returns the ID of the named response.
func (d *Dictionary) ResponseID(name string) (uint16, bool) {
	return lookupFormat(d.Responses, name)
}

func lookupFormat(m map[string]int, name string) (uint16, bool) {
	for format, id := range m {
		if formatName(format) == name {
			return uint16(id), true
		}
	}
	return 0, false
}

// formatName returns the message name of a format string such as
// "spi_transfer oid=%c data=%*s".
func formatName(format string) string {
	for i := 0; i < len(format); i++ {
		if format[i] == ' ' {
			return format[:i]
		}
	}
	return format
}

// Summary writes a readable listing of the dictionary to w.
func (d *Dictionary) Summary(w io.Writer) {
	fmt.Fprintf(w, "Version: %s\n", d.Version)
	fmt.Fprintf(w, "Build: %s\n", d.BuildVersions)

	fmt.Fprintln(w, "\nConfig:")
	for _, k := range sortedKeys(d.Config) {
		fmt.Fprintf(w, "  %s = %s\n", k, d.Config[k])
	}

	printIDs := func(title string, m map[string]int) {
		fmt.Fprintf(w, "\n%s (%d):\n", title, len(m))
		formats := make([]string, 0, len(m))
		for f := range m {
			formats = append(formats, f)
		}
		sort.Slice(formats, func(i, j int) bool { return m[formats[i]] < m[formats[j]] })
		for _, f := range formats {
			fmt.Fprintf(w, "  [%d] %s\n", m[f], f)
		}
	}
	printIDs("Commands", d.Commands)
	printIDs("Responses", d.Responses)

	if len(d.Enumerations) > 0 {
		fmt.Fprintf(w, "\nEnumerations (%d):\n", len(d.Enumerations))
		for _, name := range sortedKeys(d.Enumerations) {
			fmt.Fprintf(w, "  %s: %d values\n", name, len(d.Enumerations[name]))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
