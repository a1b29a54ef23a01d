// Package catalog holds the static mapping from Protectli model identifiers
// to their compatible BIOS images and flashrom command templates.
//
// The catalog is decoded and validated once at startup and is immutable for
// the life of the process. Structural defects abort the load with a
// ConfigurationError; they must never surface mid-flash.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

//go:embed catalog.yaml
var catalogYAML []byte

// FirmwareDescriptor is one selectable BIOS image for a device model, tagged
// by its originating vendor or project.
type FirmwareDescriptor struct {
	Vendor string `json:"vendor" mapstructure:"vendor"`
	File   string `json:"file" mapstructure:"file"`
}

// DeviceModel describes one supported appliance: its CPU label, the BIOS
// images it accepts, and the writer command templates used to flash it.
// Every template carries exactly one substitution slot for the image path.
type DeviceModel struct {
	// ID is the lowercase catalog key, filled in during load.
	ID string `json:"-" mapstructure:"-"`

	CPU  string               `json:"cpu" mapstructure:"cpu"`
	BIOS []FirmwareDescriptor `json:"bios" mapstructure:"bios"`

	// Command is the default full-reflash template.
	Command string `json:"command" mapstructure:"command"`

	// Override, when present, force-writes across a known-safe board ID
	// mismatch. It is never chosen implicitly for models that omit it.
	Override string `json:"override,omitempty" mapstructure:"override"`

	// Upgrade, when present, flashes only a named firmware-map section for
	// in-place updates instead of a full reflash.
	Upgrade string `json:"upgrade,omitempty" mapstructure:"upgrade"`
}

// Vendors returns the descriptor vendor tags in catalog declaration order.
// The order is deliberate: where a default exists it is listed first.
func (m DeviceModel) Vendors() []string {
	tags := make([]string, 0, len(m.BIOS))
	for _, b := range m.BIOS {
		tags = append(tags, b.Vendor)
	}
	return tags
}

// Descriptor resolves a vendor tag to its firmware descriptor.
func (m DeviceModel) Descriptor(vendor string) (FirmwareDescriptor, bool) {
	for _, b := range m.BIOS {
		if b.Vendor == vendor {
			return b, true
		}
	}
	return FirmwareDescriptor{}, false
}

// ConfigurationError reports a structurally malformed catalog. It is fatal
// and only ever produced at load time, before any hardware interaction.
type ConfigurationError struct {
	Model  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("catalog entry %q: %s", e.Model, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("catalog: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("catalog: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Catalog is the validated, read-only model mapping.
type Catalog struct {
	models map[string]DeviceModel
}

// Load parses and validates the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(catalogYAML)
}

// Parse decodes catalog data and enforces the load-time invariants:
// non-empty lowercase keys, at least one descriptor per model, pairwise
// distinct vendor tags, and exactly one substitution slot per template.
func Parse(data []byte) (*Catalog, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, &ConfigurationError{Reason: "unparseable catalog data", Err: err}
	}

	var models map[string]DeviceModel
	if err := v.UnmarshalKey("models", &models); err != nil {
		return nil, &ConfigurationError{Reason: "catalog entries do not match the expected shape", Err: err}
	}
	if len(models) == 0 {
		return nil, &ConfigurationError{Reason: "catalog declares no models"}
	}

	for id, m := range models {
		if err := validateModel(id, m); err != nil {
			return nil, err
		}
		m.ID = id
		models[id] = m
	}

	return &Catalog{models: models}, nil
}

func validateModel(id string, m DeviceModel) error {
	if id == "" {
		return &ConfigurationError{Model: id, Reason: "empty model identifier"}
	}
	if id != strings.ToLower(id) || strings.ContainsAny(id, " \t") {
		return &ConfigurationError{Model: id, Reason: "model identifier must be a lowercase token"}
	}
	if len(m.BIOS) == 0 {
		return &ConfigurationError{Model: id, Reason: "no firmware descriptors declared"}
	}

	seen := make(map[string]struct{}, len(m.BIOS))
	for _, b := range m.BIOS {
		if b.Vendor == "" {
			return &ConfigurationError{Model: id, Reason: "descriptor with empty vendor tag"}
		}
		if b.File == "" {
			return &ConfigurationError{Model: id, Reason: fmt.Sprintf("descriptor %q has no image file", b.Vendor)}
		}
		if _, dup := seen[b.Vendor]; dup {
			return &ConfigurationError{Model: id, Reason: fmt.Sprintf("duplicate vendor tag %q", b.Vendor)}
		}
		seen[b.Vendor] = struct{}{}
	}

	if m.Command == "" {
		return &ConfigurationError{Model: id, Reason: "no flash command template"}
	}
	for name, tpl := range map[string]string{"command": m.Command, "override": m.Override, "upgrade": m.Upgrade} {
		if tpl == "" && name != "command" {
			continue
		}
		if strings.Count(tpl, "%s") != 1 {
			return &ConfigurationError{Model: id, Reason: fmt.Sprintf("%s template must carry exactly one image path slot", name)}
		}
	}

	return nil
}

// Lookup resolves a model identifier to its catalog entry.
func (c *Catalog) Lookup(modelID string) (DeviceModel, bool) {
	m, ok := c.models[modelID]
	return m, ok
}

// IDs returns every catalog key, sorted lexicographically.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Models returns every catalog entry, sorted by model identifier.
func (c *Catalog) Models() []DeviceModel {
	out := make([]DeviceModel, 0, len(c.models))
	for _, id := range c.IDs() {
		out = append(out, c.models[id])
	}
	return out
}

// ImageFiles returns the deduplicated set of image file names referenced by
// the catalog, sorted. Several models share a single image.
func (c *Catalog) ImageFiles() []string {
	seen := make(map[string]struct{})
	for _, m := range c.models {
		for _, b := range m.BIOS {
			seen[b.File] = struct{}{}
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
