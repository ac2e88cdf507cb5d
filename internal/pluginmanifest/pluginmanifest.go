// Package pluginmanifest parses the build-time plugin manifest: a
// small INI file naming which compiled-in plugins are enabled and any
// per-plugin settings. Unlike stepinit.conf's line-oriented service
// grammar, this really is INI-shaped (section per plugin), so it
// reuses gcfg the same way the teacher's manager/config.go calls
// gcfg.ReadStringInto against its own cfgType.
package pluginmanifest

import (
	"errors"
	"io/ioutil"
	"os"

	"github.com/gravwell/gcfg"
)

// pluginSection mirrors one [Plugin "name"] block.
type pluginSection struct {
	Enabled    bool
	Dependency []string
}

type manifestType struct {
	Plugin map[string]*pluginSection
}

// Manifest is the parsed, validated plugin manifest.
type Manifest struct {
	Enabled      map[string]bool
	Dependencies map[string][]string
}

var ErrNoPlugins = errors.New("pluginmanifest: manifest names no plugins")

// maxManifestSize guards against a runaway read the way the teacher's
// GetConfig bounds cfgType reads with maxConfigSize.
const maxManifestSize = 1 << 20

// Load parses the manifest at path.
func Load(path string) (Manifest, error) {
	var m Manifest
	fin, err := os.Open(path)
	if err != nil {
		return m, err
	}
	defer fin.Close()

	fi, err := fin.Stat()
	if err != nil {
		return m, err
	}
	if fi.Size() > maxManifestSize {
		return m, errors.New("pluginmanifest: manifest file too large")
	}

	data, err := ioutil.ReadAll(fin)
	if err != nil {
		return m, err
	}

	var raw manifestType
	if err := gcfg.ReadStringInto(&raw, string(data)); err != nil {
		return m, err
	}
	return toManifest(raw)
}

func toManifest(raw manifestType) (Manifest, error) {
	m := Manifest{
		Enabled:      make(map[string]bool, len(raw.Plugin)),
		Dependencies: make(map[string][]string, len(raw.Plugin)),
	}
	if len(raw.Plugin) == 0 {
		return m, ErrNoPlugins
	}
	for name, section := range raw.Plugin {
		if section == nil {
			continue
		}
		m.Enabled[name] = section.Enabled
		m.Dependencies[name] = section.Dependency
	}
	return m, nil
}

// IsEnabled reports whether name is enabled, defaulting to false for a
// plugin absent from the manifest entirely (the closed plugin set
// must be explicitly opted into).
func (m Manifest) IsEnabled(name string) bool {
	return m.Enabled[name]
}
