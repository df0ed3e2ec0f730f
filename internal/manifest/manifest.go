package manifest

import (
	"encoding/json"
	"time"

	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

const (
	DefaultVersion          = "1.0.0"
	DefaultMinecraftVersion = "1.20.1"
	DefaultURLPrefix        = "/mods/"
)

// Manifest is the persisted document served to launchers.
type Manifest struct {
	Version          string    `json:"version"`
	MinecraftVersion string    `json:"minecraft_version"`
	LastUpdated      time.Time `json:"last_updated"`
	Mods             []Entry   `json:"mods"`

	skipped []string
}

// Entry describes one package as of the regeneration that produced it.
type Entry struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	URL      string `json:"url"`
}

// Skipped lists packages that vanished while this manifest was being built.
// Always empty for a manifest read back from storage.
func (m *Manifest) Skipped() []string {
	return append([]string(nil), m.skipped...)
}

// Partial returns a *PartialScanError when packages were skipped, else nil.
func (m *Manifest) Partial() error {
	if len(m.skipped) == 0 {
		return nil
	}
	return &PartialScanError{Skipped: m.Skipped()}
}

// Entry returns the entry for filename, if present.
func (m *Manifest) Entry(filename string) (Entry, bool) {
	for _, e := range m.Mods {
		if e.Filename == filename {
			return e, true
		}
	}
	return Entry{}, false
}

// TotalSize sums the sizes of all entries.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, e := range m.Mods {
		n += e.Size
	}
	return n
}

// Marshal renders the canonical on-disk form: two-space indented JSON with a
// trailing newline.
func (m *Manifest) Marshal() ([]byte, error) {
	out := *m
	if out.Mods == nil {
		out.Mods = []Entry{}
	}
	out.LastUpdated = out.LastUpdated.UTC()
	b, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, xerrors.Wrap(err, "encode manifest")
	}
	return append(b, '\n'), nil
}

// Parse decodes a persisted manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, xerrors.Wrap(err, "decode manifest")
	}
	if m.Version == "" {
		return nil, xerrors.New("decode manifest: missing version")
	}
	if m.Mods == nil {
		m.Mods = []Entry{}
	}
	return &m, nil
}
