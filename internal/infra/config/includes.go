package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"agentbridge/internal/domain"
)

const maxIncludeDepth = 10

func includeError(format string, args ...any) error {
	return domain.NewDomainError("config.includes", domain.ErrConfigLoad, fmt.Sprintf(format, args...))
}

// processIncludes overlays the files listed in cfg.Includes onto cfg, in
// order. Paths are relative to baseDir and may be globs. visited holds the
// absolute paths already merged on this chain.
func processIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return includeError("max depth %d exceeded", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil
	for _, pattern := range patterns {
		paths, err := expandInclude(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return includeError("abs path %q: %v", p, err)
			}
			if visited[abs] {
				return includeError("circular include of %q", abs)
			}
			visited[abs] = true
			if err := overlayFile(cfg, abs, visited, depth+1); err != nil {
				return err
			}
		}
	}
	cfg.Includes = nil
	return nil
}

// expandInclude resolves pattern against baseDir. A literal path that does
// not exist is returned as-is so the read reports it; a glob with no
// matches is empty. Paths outside baseDir are rejected.
func expandInclude(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, includeError("path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, includeError("glob %q: %v", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	return matches, nil
}

// overlayFile unmarshals path onto cfg and follows its own includes.
func overlayFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return includeError("%v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return includeError("read %q: %v", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	cfg.Includes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return includeError("parse %q: %v", path, err)
	}
	if len(cfg.Includes) > 0 {
		return processIncludes(cfg, filepath.Dir(path), visited, depth)
	}
	return nil
}
