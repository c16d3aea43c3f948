package tts

import (
	"fmt"
	"strings"
)

// Voices is the fixed set of voice identifiers a deployment accepts.
type Voices struct {
	names    []string
	set      map[string]struct{}
	fallback string
}

func NewVoices(names []string, fallback string) Voices {
	v := Voices{set: make(map[string]struct{}, len(names)), fallback: fallback}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := v.set[name]; dup {
			continue
		}
		v.set[name] = struct{}{}
		v.names = append(v.names, name)
	}
	return v
}

// Resolve returns the voice to use for a request. An empty voice selects the default.
func (v Voices) Resolve(voice string) (string, error) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		voice = v.fallback
	}
	if _, ok := v.set[voice]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVoice, voice)
	}
	return voice, nil
}

func (v Voices) Names() []string {
	return append([]string(nil), v.names...)
}

func (v Voices) Default() string { return v.fallback }
