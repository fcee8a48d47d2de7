package catalog

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	entries, err := Load()
	require.NoError(t, err)
	require.NotEmpty(t, entries, "expected at least one catalog entry to be loaded")

	// Verify all entries have required fields.
	for _, ce := range entries {
		t.Run(ce.FilePath, func(t *testing.T) {
			require.NotEmpty(t, ce.Name, "entry must have a name")
			require.NotEmpty(t, ce.Description, "entry must have a description")
			require.NotEmpty(t, ce.Content, "entry must have content")
			require.NotEmpty(t, ce.FilePath, "entry must have file path")
		})
	}
}

func TestSplitFrontmatter(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantFM      string
		wantBody    string
		expectError bool
	}{
		{
			name:     "valid frontmatter",
			input:    "---\nname: Test\n---\nWrite-Output 'hi'",
			wantFM:   "name: Test",
			wantBody: "Write-Output 'hi'",
		},
		{
			name:        "missing opening delimiter",
			input:       "name: Test\n---\nWrite-Output 'hi'",
			expectError: true,
		},
		{
			name:        "missing closing delimiter",
			input:       "---\nname: Test\nWrite-Output 'hi'",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm, body, err := splitFrontmatter([]byte(tt.input))
			if tt.expectError {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.wantFM, string(fm))
			require.Equal(t, tt.wantBody, string(body))
		})
	}
}

func TestNewRegistry(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	reg, err := NewRegistry(log)
	require.NoError(t, err)
	require.Equal(t, reg.Count(), len(reg.All()))

	// Every loaded entry is retrievable by name.
	for _, ce := range reg.All() {
		got := reg.Get(ce.Name)
		require.NotNil(t, got)
		require.Equal(t, ce.Name, got.Name)
	}

	require.Nil(t, reg.Get("No_Such_Runbook"))
	require.NotEmpty(t, reg.Tags())
}
