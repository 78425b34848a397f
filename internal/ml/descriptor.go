package ml

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"cvd-risk/internal/cfg"
	"cvd-risk/internal/common"
)

// Format is the on-disk checkpoint encoding of a model. It is fixed when
// the descriptor is built so loading never has to guess.
type Format string

const (
	// FormatONNX is an exported, fully instantiated graph.
	FormatONNX Format = "onnx"
	// FormatSafetensors is a named parameter dictionary.
	FormatSafetensors Format = "safetensors"
)

// ParseFormat resolves an explicit format name, falling back to the file
// extension of path when name is empty.
func ParseFormat(name, path string) (Format, error) {
	switch strings.ToLower(name) {
	case string(FormatONNX):
		return FormatONNX, nil
	case string(FormatSafetensors):
		return FormatSafetensors, nil
	case "":
	default:
		return "", fmt.Errorf("unsupported checkpoint format %q", name)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		return FormatONNX, nil
	case ".safetensors", ".st":
		return FormatSafetensors, nil
	}
	return "", fmt.Errorf("cannot infer checkpoint format from %q; set it explicitly", path)
}

// Descriptor identifies one servable model. Descriptors are immutable and
// built once at startup.
type Descriptor struct {
	Name         string
	Path         string
	URL          string
	SHA256       string
	Format       Format
	Architecture *Architecture
}

// NewDescriptor validates name and binds it to its architecture.
func NewDescriptor(name string, ms cfg.ModelSettings) (Descriptor, error) {
	arch, ok := Architectures[name]
	if !ok {
		return Descriptor{}, Errorf(KindInvalidModelName, name, "no architecture registered")
	}
	format, err := ParseFormat(ms.Format, ms.Path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("model %s: %w", name, err)
	}
	return Descriptor{
		Name:         name,
		Path:         ms.Path,
		URL:          ms.URL,
		SHA256:       ms.SHA256,
		Format:       format,
		Architecture: arch,
	}, nil
}

// DescriptorsFromSettings builds the descriptor of every known model.
func DescriptorsFromSettings(settings cfg.Settings) (map[string]Descriptor, error) {
	out := make(map[string]Descriptor, len(common.ModelNames))
	for _, name := range common.ModelNames {
		ms, ok := settings.Models[name]
		if !ok {
			return nil, fmt.Errorf("model %s: missing settings", name)
		}
		d, err := NewDescriptor(name, ms)
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	return out, nil
}

// SortedNames returns descriptor names in lexical order.
func SortedNames(ds map[string]Descriptor) []string {
	names := make([]string, 0, len(ds))
	for name := range ds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
