// Package definition loads workflow templates from YAML, validates their step
// graphs, and provides a lock-free registry of the templates that passed.
package definition

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/rcmflow/model"
)

//go:embed templates/*.yaml
var builtinFS embed.FS

// Builtin returns the filesystem holding the templates shipped with the
// service.
func Builtin() fs.FS {
	sub, err := fs.Sub(builtinFS, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// Loader scans directories for YAML template files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a TemplateFile.
func (l *Loader) LoadAll(directories []string) ([]model.TemplateFile, error) {
	var files []model.TemplateFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isYAML(path) {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFS parses every YAML file at the root of fsys.
func (l *Loader) LoadFS(fsys fs.FS) ([]model.TemplateFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading template fs: %w", err)
	}
	var files []model.TemplateFile
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		f, err := parse(data, e.Name())
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// LoadFile loads and parses a single YAML template file. It computes the
// SHA-256 checksum and records the source file path on the file and on each
// template.
func (l *Loader) LoadFile(path string) (model.TemplateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.TemplateFile{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return parse(data, path)
}

func parse(data []byte, source string) (model.TemplateFile, error) {
	var f model.TemplateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.TemplateFile{}, fmt.Errorf("parsing %s: %w", source, err)
	}

	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	f.SourceFile = source
	for i := range f.Templates {
		f.Templates[i].SourceFile = source
	}
	return f, nil
}

// Templates flattens the templates of all files in order.
func Templates(files []model.TemplateFile) []model.WorkflowTemplate {
	var out []model.WorkflowTemplate
	for _, f := range files {
		out = append(out, f.Templates...)
	}
	return out
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
