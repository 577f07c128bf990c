package dataset

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noaione/vthell/internal/store"
)

const holoSample = `{
  "id": "hololive",
  "name": "Hololive",
  "main_key": "youtube",
  "upload_base": "Hololive",
  "vliver": [
    {"name": "Korone", "youtube": "UChAnqc_AY5_I3Px5dig3X1Q"},
    {"name": "Okayu", "youtube": "UCvaTdHTWBGv3MKj3KVqJVCw", "twitcasting": "okayu_ch"}
  ]
}`

func writeDataset(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestIndexLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "hololive.json", holoSample)
	writeDataset(t, dir, "_internal.json", `{"broken`)
	writeDataset(t, dir, "broken.json", `{"not a dataset`)

	idx, err := NewIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())

	ds, v := idx.Find("UChAnqc_AY5_I3Px5dig3X1Q", store.PlatformYoutube)
	require.NotNil(t, ds)
	require.NotNil(t, v)
	assert.Equal(t, "Korone", v.Name)

	_, v = idx.Find("okayu_ch", store.PlatformTwitcasting)
	require.NotNil(t, v)
	assert.Equal(t, "Okayu", v.Name)

	ds, _ = idx.Find("nope", store.PlatformYoutube)
	assert.Nil(t, ds)
}

func TestUploadPath(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "holoid.json", `{
  "id": "holoid",
  "name": "Hololive ID",
  "main_key": "youtube",
  "upload_base": "Hololive\\HoloID",
  "vliver": [{"name": "Risu", "youtube": "UCOyYb1c43VlX9rc_lT6NKQw"}]
}`)

	idx, err := NewIndex(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hololive", "HoloID", "Risu"},
		idx.UploadPath("UCOyYb1c43VlX9rc_lT6NKQw", store.PlatformYoutube))
	assert.Equal(t, []string{"Unknown"},
		idx.UploadPath("missing", store.PlatformYoutube))
}

func TestReloadKeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "hololive.json", holoSample)

	idx, err := NewIndex(dir)
	require.NoError(t, err)
	require.Equal(t, 1, idx.Len())

	path := filepath.Join(dir, "hololive.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{{"), 0o600))
	idx.reload(path, false)

	// Old snapshot must still answer lookups.
	_, v := idx.Find("UChAnqc_AY5_I3Px5dig3X1Q", store.PlatformYoutube)
	require.NotNil(t, v)
	assert.Equal(t, "Korone", v.Name)
}

func TestReloadDelete(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "hololive.json", holoSample)

	idx, err := NewIndex(dir)
	require.NoError(t, err)

	idx.reload(filepath.Join(dir, "hololive.json"), true)
	assert.Equal(t, 0, idx.Len())
}

func TestUpdaterRunOnce(t *testing.T) {
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	f, err := zw.Create("vthell-dataset-master/hololive.json")
	require.NoError(t, err)
	_, err = f.Write([]byte(holoSample))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	mux := http.NewServeMux()
	mux.HandleFunc("/hash", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("d41d8cd98f00b204e9800998ecf8427e\n"))
	})
	mux.HandleFunc("/archive.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive.Bytes())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	u := NewUpdater(dir)
	u.HashURL = srv.URL + "/hash"
	u.ArchiveURL = srv.URL + "/archive.zip"

	require.NoError(t, u.RunOnce(context.Background()))

	buf, err := os.ReadFile(filepath.Join(dir, "hololive.json"))
	require.NoError(t, err)
	assert.JSONEq(t, holoSample, string(buf))

	version, err := os.ReadFile(filepath.Join(dir, "currentversion"))
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", string(version))

	// Second run sees a matching hash and does nothing.
	require.NoError(t, os.Remove(filepath.Join(dir, "hololive.json")))
	require.NoError(t, u.RunOnce(context.Background()))
	_, err = os.Stat(filepath.Join(dir, "hololive.json"))
	assert.True(t, os.IsNotExist(err))
}
