// Package registry discovers on-disk assets a service offers by name, such
// as the reference voices used for speech synthesis.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mediagw/internal/common/fsutil"
	"mediagw/pkg/types"
)

var speakerExts = map[string]bool{".wav": true, ".mp3": true, ".ogg": true}

// LoadSpeakers scans dir for reference voice files. Name is the filename
// without extension. A missing directory yields an empty list.
func LoadSpeakers(dir string) ([]types.Speaker, error) {
	abs, err := fsutil.ResolveDir(dir)
	if err != nil {
		return nil, err
	}
	if abs == "" {
		return []types.Speaker{}, nil
	}
	if !fsutil.PathExists(abs) {
		return []types.Speaker{}, nil
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	speakers := []types.Speaker{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !speakerExts[ext] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		speakers = append(speakers, types.Speaker{Name: strings.TrimSuffix(name, filepath.Ext(name)), Size: info.Size()})
	}
	sort.Slice(speakers, func(i, j int) bool { return speakers[i].Name < speakers[j].Name })
	return speakers, nil
}

// SpeakerPath resolves a speaker name to its reference file in dir.
// Names containing path separators never resolve.
func SpeakerPath(dir, name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", false
	}
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return "", false
	}
	for ext := range speakerExts {
		p := filepath.Join(base, name+ext)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}
