package phenotype

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phenokit/internal/domain"
)

func TestCodelistContains(t *testing.T) {
	tests := []struct {
		name     string
		codelist *Codelist
		code     string
		codeType string
		want     bool
	}{
		{
			name:     "matches_code_under_its_type",
			codelist: NewCodelist("diabetes", map[string][]string{"ICD10": {"E11", "E11.0"}}),
			code:     "E11",
			codeType: "ICD10",
			want:     true,
		},
		{
			name:     "wrong_type_misses",
			codelist: NewCodelist("diabetes", map[string][]string{"ICD10": {"E11"}}),
			code:     "E11",
			codeType: "ICD9",
			want:     false,
		},
		{
			name: "ignores_type_when_disabled",
			codelist: &Codelist{
				Name:  "diabetes",
				Codes: map[string][]string{"ICD10": {"E11"}},
			},
			code:     "E11",
			codeType: "ICD9",
			want:     true,
		},
		{
			name: "punctuation_stripped_both_sides",
			codelist: &Codelist{
				Name:              "diabetes",
				Codes:             map[string][]string{"ICD10": {"E11.0"}},
				UseCodeType:       true,
				RemovePunctuation: true,
			},
			code:     "E110",
			codeType: "ICD10",
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.codelist.Contains(tt.code, tt.codeType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCodelistFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diabetes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ICD10:\n  - E11\n  - E11.0\nICD9:\n  - \"250\"\n"), 0o644))

	cl := CodelistFromFile("diabetes", path)
	require.NoError(t, cl.Validate())

	types, err := cl.CodeTypes()
	require.NoError(t, err)
	assert.Equal(t, []string{"ICD10", "ICD9"}, types)

	got, err := cl.Contains("E11.0", "ICD10")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = cl.Contains("250", "ICD9")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCodelistFromCSVFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codes.csv")
	require.NoError(t, os.WriteFile(path, []byte("code_type,code\nICD10,E11\nICD10,E11.0\nICD9,250\n"), 0o644))

	cl := CodelistFromFile("diabetes", path)
	got, err := cl.Contains("E11", "ICD10")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = cl.Contains("C00", "ICD10")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCodelistCSVNeedsHeaderColumns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codes.csv")
	require.NoError(t, os.WriteFile(path, []byte("concept,vocabulary\nE11,ICD10\n"), 0o644))

	_, err := CodelistFromFile("diabetes", path).Resolve()
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCodelistResolveCachesUntilInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ICD10:\n  - E11\n"), 0o644))

	cl := CodelistFromFile("diabetes", path)
	got, err := cl.Contains("E11", "ICD10")
	require.NoError(t, err)
	assert.True(t, got)

	// The cached resolution survives the file changing underneath.
	require.NoError(t, os.WriteFile(path, []byte("ICD10:\n  - C00\n"), 0o644))
	got, err = cl.Contains("E11", "ICD10")
	require.NoError(t, err)
	assert.True(t, got)

	cl.Invalidate()
	got, err = cl.Contains("E11", "ICD10")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCodelistValidate(t *testing.T) {
	tests := []struct {
		name     string
		codelist *Codelist
		wantErr  bool
	}{
		{name: "inline_codes", codelist: NewCodelist("x", map[string][]string{"ICD10": {"E11"}}), wantErr: false},
		{name: "file_reference", codelist: CodelistFromFile("x", "codes.yaml"), wantErr: false},
		{name: "neither", codelist: &Codelist{Name: "x"}, wantErr: true},
		{name: "unknown_format", codelist: &Codelist{Name: "x", Path: "codes.txt", Format: "txt"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.codelist.Validate()
			if tt.wantErr {
				var verr *domain.ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			assert.NoError(t, err)
		})
	}
}
