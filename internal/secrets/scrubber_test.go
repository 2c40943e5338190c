package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Assembled at runtime so the literal never appears in source.
var githubPAT = "ghp_" + strings.Repeat("A1b2C3d4E5", 3) + "f6G7h8"

func TestScrubber_RedactsGitHubToken(t *testing.T) {
	s, err := New(Config{Enabled: true})
	require.NoError(t, err)

	text := "Set GITHUB_TOKEN=" + githubPAT + " before running the job."
	res := s.Scrub(text)

	require.True(t, res.HasFindings())
	assert.NotContains(t, res.Scrubbed, githubPAT)
	assert.Contains(t, res.Scrubbed, RedactionString)
	assert.Contains(t, res.Scrubbed, "before running the job.")
	assert.NotEmpty(t, res.RuleIDs())
	assert.Equal(t, 1, res.Findings[0].Line)
}

func TestScrubber_FindingLineIsOneBased(t *testing.T) {
	s, err := New(Config{Enabled: true})
	require.NoError(t, err)

	res := s.Scrub("# deploy notes\nexport GITHUB_TOKEN=" + githubPAT + "\n")
	require.True(t, res.HasFindings())
	for _, f := range res.Findings {
		assert.Equal(t, 2, f.Line, f.RuleID)
	}
}

func TestScrubber_CleanTextUnchanged(t *testing.T) {
	s, err := New(Config{Enabled: true})
	require.NoError(t, err)

	text := "## Review\n\nThe handler should validate the request body."
	clean, n := s.Redact(text)
	assert.Equal(t, text, clean)
	assert.Zero(t, n)
}

func TestScrubber_Disabled(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, s.IsEnabled())

	text := "token " + githubPAT
	clean, n := s.Redact(text)
	assert.Equal(t, text, clean)
	assert.Zero(t, n)
}

func TestScrubber_NilIsDisabled(t *testing.T) {
	var s *Scrubber
	assert.False(t, s.IsEnabled())
	assert.Equal(t, "x", s.Scrub("x").Scrubbed)
}

func TestScrubber_Allowlist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.toml")
	require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''ghp_A1b2C3d4E5.*''']\n"), 0o600))

	s, err := New(Config{Enabled: true, AllowlistPath: path})
	require.NoError(t, err)

	text := "token " + githubPAT
	clean, n := s.Redact(text)
	assert.Equal(t, text, clean)
	assert.Zero(t, n)
}

func TestScrubber_ConcurrentUse(t *testing.T) {
	s, err := New(Config{Enabled: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clean, n := s.Redact("token " + githubPAT)
			assert.Positive(t, n)
			assert.NotContains(t, clean, githubPAT)
		}()
	}
	wg.Wait()
}

func TestLoadAllowlist(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		a, err := LoadAllowlist("")
		require.NoError(t, err)
		assert.Empty(t, a.Regexes)
	})

	t.Run("missing file", func(t *testing.T) {
		a, err := LoadAllowlist(filepath.Join(t.TempDir(), "none.toml"))
		require.NoError(t, err)
		assert.Empty(t, a.Regexes)
	})

	t.Run("reads regexes and stopwords", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "allowlist.toml")
		content := "[allowlist]\nregexes = ['''EXAMPLE_[A-Z]+''']\nstopwords = [\"dummy\"]\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		a, err := LoadAllowlist(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"EXAMPLE_[A-Z]+"}, a.Regexes)
		assert.Equal(t, []string{"dummy"}, a.StopWords)
	})

	t.Run("invalid toml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "allowlist.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist\n"), 0o600))

		_, err := LoadAllowlist(path)
		require.ErrorIs(t, err, ErrInvalidTOML)
	})

	t.Run("invalid regex", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "allowlist.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''([a-z''']\n"), 0o600))

		_, err := LoadAllowlist(path)
		require.ErrorIs(t, err, ErrInvalidRegex)
	})
}
