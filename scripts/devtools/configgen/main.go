// Command configgen renders per-binary config files from a single dev profile.
//
// Shared sections (database, redis, queue, ...) are merged into every base
// config that already declares them, then per-binary overrides are applied.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

type Profile struct {
	OutputDir string                   `yaml:"outputDir"`
	Shared    map[string]interface{}   `yaml:"shared"`
	Binaries  map[string]BinaryProfile `yaml:"binaries"`
}

type BinaryProfile struct {
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

type rendered struct {
	name   string
	path   string
	config map[string]interface{}
}

func main() {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "Path to config profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	if err := run(*profilePath, *outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(profilePath, outputDir string) error {
	profilePathAbs, err := filepath.Abs(profilePath)
	if err != nil {
		return fmt.Errorf("resolve profile path failed: %w", err)
	}
	profile, err := loadProfile(profilePathAbs)
	if err != nil {
		return err
	}
	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	outputs, err := render(profile, filepath.Dir(profilePathAbs))
	if err != nil {
		return err
	}
	for _, out := range outputs {
		if err := writeYAML(out.path, out.config); err != nil {
			return fmt.Errorf("write config for %q failed: %w", out.name, err)
		}
		fmt.Printf("wrote %s\n", out.path)
	}
	return nil
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if len(profile.Binaries) == 0 {
		return nil, errors.New("profile has no binaries")
	}
	return &profile, nil
}

// render builds every binary's config in name order. Relative paths resolve against baseDir.
func render(profile *Profile, baseDir string) ([]rendered, error) {
	if profile.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	outDir := profile.OutputDir
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(baseDir, outDir)
	}
	shared, _ := normalizeValue(profile.Shared).(map[string]interface{})

	names := make([]string, 0, len(profile.Binaries))
	for name := range profile.Binaries {
		names = append(names, name)
	}
	sort.Strings(names)

	outputs := make([]rendered, 0, len(names))
	for _, name := range names {
		bin := profile.Binaries[name]
		if bin.Base == "" {
			return nil, fmt.Errorf("binary %q missing base config", name)
		}
		basePath := bin.Base
		if !filepath.IsAbs(basePath) {
			basePath = filepath.Join(baseDir, basePath)
		}
		base, err := loadYAML(basePath)
		if err != nil {
			return nil, fmt.Errorf("load base config for %q failed: %w", name, err)
		}
		config, ok := normalizeValue(base).(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("base config for %q is not a map", name)
		}
		for section, value := range shared {
			if _, declared := config[section]; !declared {
				continue
			}
			config = mergeMap(config, map[string]interface{}{section: value})
		}
		if len(bin.Overrides) > 0 {
			override, _ := normalizeValue(bin.Overrides).(map[string]interface{})
			config = mergeMap(config, override)
		}

		output := bin.Output
		if output == "" {
			output = filepath.Base(bin.Base)
		}
		if !filepath.IsAbs(output) {
			output = filepath.Join(outDir, output)
		}
		outputs = append(outputs, rendered{name: name, path: output, config: config})
	}
	return outputs, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}
	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

// mergeMap deep-merges override into a copy of base. Non-map values replace.
func mergeMap(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for key, overrideValue := range override {
		baseChild, baseIsMap := merged[key].(map[string]interface{})
		overrideChild, overrideIsMap := overrideValue.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			merged[key] = mergeMap(baseChild, overrideChild)
			continue
		}
		merged[key] = overrideValue
	}
	return merged
}
