package styles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThemes(t *testing.T) {
	assert.Equal(t, []string{"gruvbox", "tokyo-night"}, ThemeNames())

	p, ok := GetPalette("gruvbox")
	require.True(t, ok)
	SetTheme(p)
	t.Cleanup(func() { SetTheme(themes[DefaultTheme]) })
	assert.Equal(t, p, CurrentPalette)

	_, ok = GetPalette("solarized")
	assert.False(t, ok)
}

func TestDivider(t *testing.T) {
	assert.Contains(t, Divider(3), "───")
}
