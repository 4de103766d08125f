package phenotype

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"phenokit/internal/domain"
)

// Codelist is a named set of (code, code_type) pairs identifying a
// clinical concept. It either carries its codes inline or references a
// file-backed list (YAML mapping of code_type to codes, or CSV with
// code,code_type columns) resolved lazily. Resolution happens once per
// execution and is cached until Invalidate.
type Codelist struct {
	Name              string
	Codes             map[string][]string
	UseCodeType       bool
	RemovePunctuation bool

	// Path and Format describe a file-backed list. Format is "yaml" or
	// "csv"; empty infers from the file extension.
	Path   string
	Format string

	mu       sync.Mutex
	resolved map[string]map[string]bool
}

// NewCodelist builds an inline codelist matching on (code, code_type)
// pairs.
func NewCodelist(name string, codes map[string][]string) *Codelist {
	return &Codelist{Name: name, Codes: codes, UseCodeType: true}
}

// CodelistFromFile builds a file-backed codelist resolved on first use.
func CodelistFromFile(name, path string) *Codelist {
	return &Codelist{Name: name, Path: path, UseCodeType: true}
}

// Validate rejects a list with neither inline codes nor a file reference.
func (c *Codelist) Validate() error {
	if len(c.Codes) == 0 && c.Path == "" {
		return domain.ErrValidation("codelist %q: no codes and no file reference", c.Name)
	}
	switch c.fileFormat() {
	case "", "yaml", "csv":
	default:
		return domain.ErrValidation("codelist %q: unknown file format %q", c.Name, c.Format)
	}
	return nil
}

// Resolve expands the codelist into per-code-type lookup sets, loading
// the backing file when present. The result is cached.
func (c *Codelist) Resolve() (map[string]map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved != nil {
		return c.resolved, nil
	}

	codes := c.Codes
	if c.Path != "" {
		loaded, err := c.loadFile()
		if err != nil {
			return nil, fmt.Errorf("codelist %s: %w", c.Name, err)
		}
		codes = loaded
	}
	if len(codes) == 0 {
		return nil, domain.ErrValidation("codelist %q resolved to no codes", c.Name)
	}

	resolved := make(map[string]map[string]bool, len(codes))
	for codeType, list := range codes {
		set := make(map[string]bool, len(list))
		for _, code := range list {
			set[c.normalize(code)] = true
		}
		resolved[codeType] = set
	}
	c.resolved = resolved
	return resolved, nil
}

// Invalidate drops the cached resolution so the next Resolve reloads.
func (c *Codelist) Invalidate() {
	c.mu.Lock()
	c.resolved = nil
	c.mu.Unlock()
}

// Contains reports whether the resolved list holds the code. With
// UseCodeType the code must appear under its own code type; otherwise
// any code type matches.
func (c *Codelist) Contains(code, codeType string) (bool, error) {
	resolved, err := c.Resolve()
	if err != nil {
		return false, err
	}
	code = c.normalize(code)
	if c.UseCodeType {
		return resolved[codeType][code], nil
	}
	for _, set := range resolved {
		if set[code] {
			return true, nil
		}
	}
	return false, nil
}

// CodeTypes returns the resolved code types in sorted order.
func (c *Codelist) CodeTypes() ([]string, error) {
	resolved, err := c.Resolve()
	if err != nil {
		return nil, err
	}
	types := make([]string, 0, len(resolved))
	for ct := range resolved {
		types = append(types, ct)
	}
	sort.Strings(types)
	return types, nil
}

func (c *Codelist) normalize(code string) string {
	if !c.RemovePunctuation {
		return code
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '-', '_', ' ':
			return -1
		}
		return r
	}, code)
}

func (c *Codelist) fileFormat() string {
	if c.Format != "" {
		return c.Format
	}
	switch strings.ToLower(filepath.Ext(c.Path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".csv":
		return "csv"
	}
	return ""
}

func (c *Codelist) loadFile() (map[string][]string, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	switch c.fileFormat() {
	case "yaml":
		return readYAMLCodes(f)
	case "csv":
		return readCSVCodes(f)
	default:
		return nil, domain.ErrValidation("cannot infer codelist format from %q", c.Path)
	}
}

// readYAMLCodes parses a mapping of code type to code list.
func readYAMLCodes(r io.Reader) (map[string][]string, error) {
	var codes map[string][]string
	if err := yaml.NewDecoder(r).Decode(&codes); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return codes, nil
}

// readCSVCodes parses rows with code and code_type columns, in either
// order, identified by the header.
func readCSVCodes(r io.Reader) (map[string][]string, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	codeIdx, typeIdx := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "code":
			codeIdx = i
		case "code_type":
			typeIdx = i
		}
	}
	if codeIdx < 0 || typeIdx < 0 {
		return nil, domain.ErrValidation("csv codelist: want code and code_type columns, have %s", strings.Join(header, ", "))
	}

	codes := map[string][]string{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		codeType := strings.TrimSpace(rec[typeIdx])
		codes[codeType] = append(codes[codeType], strings.TrimSpace(rec[codeIdx]))
	}
	return codes, nil
}
