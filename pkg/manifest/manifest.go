package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/ffbatch/pkg/models"
)

// DefaultSuffix is appended to a video's stem to name its report
const DefaultSuffix = "_lesson_plan.md"

// File is the on-disk manifest layout. JSON manifests use the same keys.
type File struct {
	Tasks []models.TaskSpec `yaml:"tasks" json:"tasks"`
}

// Load reads a YAML or JSON manifest. A bare list of tasks is accepted too.
func Load(path string) ([]models.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes manifest content. Relative paths are resolved against base.
func Parse(data []byte, base string) ([]models.TaskSpec, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, errors.New("manifest is empty")
	}

	var specs []models.TaskSpec
	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&specs); err != nil {
			return nil, fmt.Errorf("parse manifest tasks: %w", err)
		}
	case yaml.MappingNode:
		var f File
		if err := root.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		specs = f.Tasks
	default:
		return nil, errors.New("manifest must be a list of tasks or a map with a tasks key")
	}

	for i := range specs {
		specs[i].SourcePath = resolve(base, specs[i].SourcePath)
		specs[i].OutputTarget = resolve(base, specs[i].OutputTarget)
	}
	if err := Validate(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// ScanOptions controls directory discovery
type ScanOptions struct {
	// OutputDir receives the reports, default is next to each video
	OutputDir  string
	Extensions []string
	Recursive  bool
	Suffix     string
}

// Scan discovers video files in dir, sorted by path
func Scan(dir string, opts ScanOptions) ([]models.TaskSpec, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan %s: not a directory", dir)
	}
	if opts.Suffix == "" {
		opts.Suffix = DefaultSuffix
	}
	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && (!opts.Recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(exts) == 0 || exts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(paths)

	specs := make([]models.TaskSpec, 0, len(paths))
	for _, p := range paths {
		out := filepath.Dir(p)
		if opts.OutputDir != "" {
			out = opts.OutputDir
			if opts.Recursive {
				// mirror the input tree to keep same-named videos apart
				if rel, err := filepath.Rel(dir, filepath.Dir(p)); err == nil {
					out = filepath.Join(opts.OutputDir, rel)
				}
			}
		}
		base := filepath.Base(p)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		specs = append(specs, models.TaskSpec{
			SourcePath:   p,
			OutputTarget: filepath.Join(out, stem+opts.Suffix),
		})
	}
	return specs, Validate(specs)
}

// Validate rejects specs that cannot form a batch
func Validate(specs []models.TaskSpec) error {
	ids := make(map[string]bool, len(specs))
	outputs := make(map[string]string, len(specs))
	for i, s := range specs {
		if strings.TrimSpace(s.SourcePath) == "" {
			return fmt.Errorf("task %d: source is required", i)
		}
		if strings.TrimSpace(s.OutputTarget) == "" {
			return fmt.Errorf("task %d (%s): output is required", i, s.SourcePath)
		}
		if s.TaskID != "" {
			if ids[s.TaskID] {
				return fmt.Errorf("task %d: duplicate id %q", i, s.TaskID)
			}
			ids[s.TaskID] = true
		}
		if prev, ok := outputs[s.OutputTarget]; ok {
			return fmt.Errorf("%s and %s write the same output %s", prev, s.SourcePath, s.OutputTarget)
		}
		outputs[s.OutputTarget] = s.SourcePath
	}
	return nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}
