// Package services lists every service the binary can run.
package services

import (
	"fmt"
	"sort"

	"mediagw/internal/gateway"
	"mediagw/internal/services/clip"
	"mediagw/internal/services/demucs"
	"mediagw/internal/services/esrgan"
	"mediagw/internal/services/musicgen"
	"mediagw/internal/services/whisper"
	"mediagw/internal/services/xtts"
)

// All returns the service definitions ordered by name.
func All() []gateway.Definition {
	defs := []gateway.Definition{
		clip.Definition(),
		demucs.Definition(),
		esrgan.Definition(),
		musicgen.Definition(),
		whisper.Definition(),
		xtts.Definition(),
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Lookup returns the definition called name.
func Lookup(name string) (gateway.Definition, error) {
	for _, d := range All() {
		if d.Name == name {
			return d, nil
		}
	}
	return gateway.Definition{}, fmt.Errorf("unknown service %q", name)
}
