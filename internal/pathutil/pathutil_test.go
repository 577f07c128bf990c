package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureFilename(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"reserved chars", `a/b:c<d>e"f'g\h?i*j|k`, "a／b：c＜d＞e”f’g＼h？i⋆j｜k"},
		{"hash dropped", "stream #3 finale", "stream 3 finale"},
		{"emoji replaced", "karaoke \U0001F3B5 night", "karaoke _ night"},
		{"plain passthrough", "【Minecraft】 building arc - day 4", "【Minecraft】 building arc - day 4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SecureFilename(tc.in))
		})
	}
}

func TestJobFilenameUsesJST(t *testing.T) {
	// 2022-01-01 23:30 UTC is 2022-01-02 08:30 JST.
	got := JobFilename("abc123", "new year stream", 1641079800)
	assert.Equal(t, "[2022.1.2.abc123] new year stream", got)
}

func TestBuildRclonePath(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"gdrive:backup/VTuberHell", "gdrive:backup/VTuberHell/Stream Archive/HoloID"},
		{"gdrive:backup/VTuberHell/", "gdrive:backup/VTuberHell/Stream Archive/HoloID"},
		{"gdrive:", "gdrive:Stream Archive/HoloID"},
		{"gdrive", "gdrive:Stream Archive/HoloID"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BuildRclonePath(tc.base, "Stream Archive", "HoloID"))
	}
}

func TestFindCookiesFile(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, FindCookiesFile(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "membercookies.txt"), []byte("x"), 0o600))
	assert.Equal(t, filepath.Join(dir, "membercookies.txt"), FindCookiesFile(dir))

	// cookies.txt takes priority when both exist.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cookies.txt"), []byte("x"), 0o600))
	assert.Equal(t, filepath.Join(dir, "cookies.txt"), FindCookiesFile(dir))
}
