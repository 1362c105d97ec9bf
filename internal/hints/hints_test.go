package hints

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linkedinYAML = `
site: linkedin.com
actions:
  click_apply:
    steps:
      - hint:
          selectors: ["button.jobs-apply-button", "[data-control-name=jobdetails_topcard_inapply]"]
          ariaLabels: ["Easy Apply"]
          textMatches: ["Easy Apply", "Apply"]
          elementType: button
        fallbackDescription: the blue apply button in the job header
        confidence: 0.9
`

const indeedJSON = `{
  "site": "indeed.com/jobs",
  "actions": {
    "next_page": {"steps": [{"intent": "next_page", "hint": {"selectors": ["a[data-testid=pagination-page-next]"]}, "confidence": 0.75}]}
  }
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFile_YAML(t *testing.T) {
	dir := t.TempDir()
	f, err := LoadFile(writeFile(t, dir, "linkedin.yaml", linkedinYAML))
	require.NoError(t, err)

	want := &SiteHintFile{
		Site: "linkedin.com",
		Actions: map[string]Action{
			"click_apply": {Steps: []ActionStep{{
				Intent: "click_apply",
				Hint: Hint{
					Selectors:   []string{"button.jobs-apply-button", "[data-control-name=jobdetails_topcard_inapply]"},
					AriaLabels:  []string{"Easy Apply"},
					TextMatches: []string{"Easy Apply", "Apply"},
					ElementType: "button",
				},
				FallbackDescription: "the blue apply button in the job header",
				Confidence:          0.9,
			}}},
		},
	}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Fatalf("hint file mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile_RejectsBadConfidence(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFile(writeFile(t, dir, "bad.yaml", "site: x.com\nactions:\n  a:\n    steps:\n      - confidence: 1.5\n"))
	assert.ErrorIs(t, err, ErrInvalidHintFile)

	_, err = LoadFile(writeFile(t, dir, "nosite.yaml", "actions: {}\n"))
	assert.ErrorIs(t, err, ErrInvalidHintFile)
}

func TestLoadDir_MixedFormats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", linkedinYAML)
	writeFile(t, dir, "b.json", indeedJSON)
	writeFile(t, dir, "README.md", "# not a hint file")

	files, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "linkedin.com", files[0].Site)
	assert.Equal(t, "indeed.com/jobs", files[1].Site)
}

func TestStore_Lookup(t *testing.T) {
	store := NewStore(
		&SiteHintFile{Site: "linkedin.com"},
		&SiteHintFile{Site: "indeed.com/jobs"},
	)

	tests := []struct {
		name     string
		site     string
		url      string
		wantSite string
	}{
		{name: "exact", site: "linkedin.com", wantSite: "linkedin.com"},
		{name: "www prefix via url", site: "LinkedIn", url: "https://www.linkedin.com/jobs/view/1", wantSite: "linkedin.com"},
		{name: "path suffix on hint site", site: "indeed.com", wantSite: "indeed.com/jobs"},
		{name: "unknown", site: "glassdoor.com", url: "https://www.glassdoor.com/", wantSite: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := store.Lookup(tt.site, tt.url)
			if tt.wantSite == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantSite, f.Site)
		})
	}
}

func TestStore_LookupKnownLaxity(t *testing.T) {
	store := NewStore(&SiteHintFile{Site: "indeed.com"})
	f, ok := store.Lookup("notindeed.com", "")
	require.True(t, ok)
	assert.Equal(t, "indeed.com", f.Site)
}

func TestStore_ReplaceDropsResolvedEntries(t *testing.T) {
	store := NewStore(&SiteHintFile{Site: "linkedin.com"})
	_, ok := store.Lookup("x", "https://www.linkedin.com/")
	require.True(t, ok)

	store.Replace(nil)
	_, ok = store.Lookup("x", "https://www.linkedin.com/")
	assert.False(t, ok)
	assert.Zero(t, store.Len())
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "linkedin.yaml", linkedinYAML)

	store := NewStore()
	w, err := NewWatcher(dir, store, zerolog.Nop())
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Close()
	require.Equal(t, 1, store.Len())

	writeFile(t, dir, "indeed.json", indeedJSON)
	assert.Eventually(t, func() bool { return store.Len() == 2 }, 2*time.Second, 20*time.Millisecond)
}

func TestBundledHintFiles(t *testing.T) {
	files, err := LoadDir(filepath.Join("..", "..", "hints"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	store := NewStore(files...)
	for _, board := range []struct{ name, url string }{
		{"linkedin", "https://www.linkedin.com/jobs/search/"},
		{"indeed", "https://www.indeed.com/jobs?q=go"},
		{"hh", "https://hh.ru/search/vacancy"},
	} {
		f, ok := store.Lookup(board.name, board.url)
		require.True(t, ok, board.name)
		for _, intent := range []string{"job_list", "next_page", "click_apply", "submit_application"} {
			assert.Contains(t, f.Actions, intent, "%s/%s", board.name, intent)
		}
	}
}
