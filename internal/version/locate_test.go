package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const landingPage = `<!doctype html>
<html><body>
  <nav><a href="/about">About</a></nav>
  <div class="dstripe dstripe__body wide">
    <p>Latest register</p>
    <a>no link here</a>
    <a href="https://datamillnorth.org/download/2o13g/c476394e/15.02.2024.xlsx">Download</a>
    <a href="/older.xlsx">Older</a>
  </div>
  <div class="dstripe__body"><a href="/second-container.xlsx">x</a></div>
</body></html>`

func TestLocate(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		want   string
		ok     bool
	}{
		{
			name:   "first anchor with href in first container",
			markup: landingPage,
			want:   "https://datamillnorth.org/download/2o13g/c476394e/15.02.2024.xlsx",
			ok:     true,
		},
		{
			name:   "nested anchor",
			markup: `<div class="dstripe__body"><ul><li><a href=" /x/01.01.2023.xlsx ">x</a></li></ul></div>`,
			want:   "/x/01.01.2023.xlsx",
			ok:     true,
		},
		{
			name:   "missing container",
			markup: `<div class="other"><a href="/x.xlsx">x</a></div>`,
			ok:     false,
		},
		{
			name:   "container without anchor",
			markup: `<div class="dstripe__body"><p>Coming soon</p></div>`,
			ok:     false,
		},
		{
			name:   "class substring is not a match",
			markup: `<div class="dstripe__body-old"><a href="/x.xlsx">x</a></div>`,
			ok:     false,
		},
		{
			name:   "empty markup",
			markup: ``,
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Locate([]byte(tt.markup), "dstripe__body")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveReference(t *testing.T) {
	page := "https://datamillnorth.org/dataset/2o13g/houses-in-multiple-occupation-licence-register/"

	got, err := ResolveReference(page, "/download/2o13g/abc/15.02.2024.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "https://datamillnorth.org/download/2o13g/abc/15.02.2024.xlsx", got)

	got, err = ResolveReference(page, "https://cdn.example.org/15.02.2024.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.org/15.02.2024.xlsx", got)

	_, err = ResolveReference("://bad", "/x")
	assert.Error(t, err)
}
