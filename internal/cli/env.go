package cli

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// ErrNoEnvFile is returned when none of the candidate .env files exist.
// Commands treat it as a warning since every setting has an env default.
var ErrNoEnvFile = errors.New("no env file found")

var overrideVars = []string{"CARRIERSIGNAL_ENV_FILE", "HORSE_ENV_FILE"}

// EnvLoader loads .env files with a predictable override order:
// explicit override variables, the --env flag, its basename, then the default.
type EnvLoader struct {
	value       *string
	defaultPath string
}

// AddEnvFlag registers an --env flag and returns an EnvLoader.
func AddEnvFlag(fs *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}

	return &EnvLoader{
		value:       fs.String("env", defaultPath, description),
		defaultPath: defaultPath,
	}
}

// Load applies the first candidate file that parses and returns its path.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	log.SetOutput(os.Stderr)

	for _, candidate := range l.candidates() {
		if err := godotenv.Overload(candidate.path); err != nil {
			if candidate.override {
				log.Printf("Warning: failed to load %s=%s", candidate.origin, candidate.path)
			}
			continue
		}
		log.Printf("Loaded environment from %s: %s", candidate.origin, candidate.path)
		return candidate.path, nil
	}

	return "", fmt.Errorf("%w (requested %s)", ErrNoEnvFile, l.requested())
}

type envCandidate struct {
	path     string
	origin   string
	override bool
}

func (l *EnvLoader) candidates() []envCandidate {
	out := make([]envCandidate, 0, len(overrideVars)+3)
	seen := map[string]struct{}{}
	add := func(path, origin string, override bool) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, envCandidate{path: path, origin: origin, override: override})
	}

	for _, envVar := range overrideVars {
		add(os.Getenv(envVar), envVar, true)
	}
	requested := l.requested()
	add(requested, "--env", false)
	if base := filepath.Base(requested); base != requested {
		add(base, "basename fallback", false)
	}
	add(l.defaultPath, "default", false)
	return out
}

func (l *EnvLoader) requested() string {
	if l.value == nil || strings.TrimSpace(*l.value) == "" {
		return l.defaultPath
	}
	return strings.TrimSpace(*l.value)
}
