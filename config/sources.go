package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SourceFiles lists, as sorted absolute paths, every file the configuration
// was read from together with the DBC files its CAN sources load. Hot reload
// watches exactly this set.
func SourceFiles(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	refs := []string{cfg.Source.File}
	for _, src := range cfg.Sources {
		refs = append(refs, src.Source.File)
		if src.CAN != nil && src.CAN.DBC != "" {
			refs = append(refs, ResolvePath(src.Source.File, src.CAN.DBC))
		}
	}
	for _, sink := range cfg.Sinks {
		refs = append(refs, sink.Source.File)
	}

	var files []string
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if info, err := os.Stat(ref); err == nil && info.IsDir() {
			continue
		}
		if abs, err := filepath.Abs(ref); err == nil {
			ref = abs
		}
		files = append(files, ref)
	}
	slices.Sort(files)
	return slices.Compact(files)
}

// ResolvePath interprets a relative target against the directory of base,
// the file that referenced it.
func ResolvePath(base, target string) string {
	if target == "" || base == "" || filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(base), target)
}
