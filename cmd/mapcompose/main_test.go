package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"map-compositor/internal/annotate"
	"map-compositor/internal/pngmeta"
	"map-compositor/internal/report"
)

func runCmd(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func writeLocation(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 827, 602))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, pngmeta.Encode(&buf, img, map[string]string{
		pngmeta.KeyLatitude:  "49.2317",
		pngmeta.KeyLongitude: "17.4279",
		pngmeta.KeyZoom:      "18",
	}))
	path := filepath.Join(t.TempDir(), "site.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestRunUsage(t *testing.T) {
	code, _, stderr := runCmd(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "usage: mapcompose")

	code, _, stderr = runCmd(t, "paint")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "paint"`)

	code, stdout, _ := runCmd(t, "version")
	assert.Zero(t, code)
	assert.Equal(t, Version+"\n", stdout)
}

func TestAOISetAndShow(t *testing.T) {
	path := writeLocation(t)

	code, _, stderr := runCmd(t, "aoi", "set", path, `{"points":[[313,201],[513,201],[513,401],[313,401]],"color":"#00FF00"}`)
	require.Zero(t, code, stderr)

	code, stdout, _ := runCmd(t, "aoi", "show", path)
	require.Zero(t, code)
	assert.JSONEq(t, `{"points":[[313,201],[513,201],[513,401],[313,401]],"alpha":0.3,"color":"#00FF00"}`, stdout)

	loc, err := report.LoadLocation(path)
	require.NoError(t, err)
	require.NotNil(t, loc.Polygon)
	assert.Equal(t, "site", loc.Name)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file removed")
}

func TestAOISetRejectsDegeneratePolygon(t *testing.T) {
	path := writeLocation(t)
	code, _, stderr := runCmd(t, "aoi", "set", path, `{"points":[[1,1],[2,2]]}`)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "at least 3 points")

	code, _, stderr = runCmd(t, "aoi", "show", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no AOI polygon")
}

func TestAOISetFromFile(t *testing.T) {
	path := writeLocation(t)
	poly := filepath.Join(t.TempDir(), "poly.json")
	require.NoError(t, os.WriteFile(poly, []byte(`{"points":[[0,0],[100,0],[100,100]]}`), 0644))

	code, _, stderr := runCmd(t, "aoi", "set", path, "@"+poly)
	require.Zero(t, code, stderr)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, ok := annotate.LoadAOIPolygon(f)
	assert.True(t, ok)
}

func TestClassify(t *testing.T) {
	path := writeLocation(t)
	code, stdout, stderr := runCmd(t, "classify", path, "49.2317, 17.4279", "49.2425N 17.4279E", "nowhere")
	require.Zero(t, code, stderr)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "49.2317, 17.4279\tat location center", lines[0])
	assert.Equal(t, "49.2425N 17.4279E\t1.2 km from location center", lines[1])
	assert.Equal(t, "nowhere\tno GPS", lines[2])
}

func TestClassifyNeedsArguments(t *testing.T) {
	code, _, stderr := runCmd(t, "classify", writeLocation(t))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "at least one point")
}

func TestRender(t *testing.T) {
	tile := image.NewRGBA(image.Rect(0, 0, 256, 256))
	draw.Draw(tile, tile.Bounds(), image.NewUniform(color.RGBA{120, 160, 90, 255}), image.Point{}, draw.Src)
	var tileBytes bytes.Buffer
	require.NoError(t, png.Encode(&tileBytes, tile))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tileBytes.Bytes())
	}))
	defer srv.Close()

	outDir := t.TempDir()
	code, stdout, stderr := runCmd(t, "render", "-q",
		"--tile-url", srv.URL+"/{z}/{x}/{y}.png",
		"--request-delay", "0s",
		"--cache-dir", t.TempDir(),
		"--output-dir", outDir,
		"--format", "both",
		"--name", "brno",
		"--aoi", `{"points":[[313,201],[513,201],[513,401],[313,401]]}`,
		"49.2317, 17.4279")
	require.Zero(t, code, stderr)

	paths := strings.Fields(stdout)
	require.Len(t, paths, 2)
	assert.True(t, strings.HasSuffix(paths[0], ".png"))
	assert.True(t, strings.HasSuffix(paths[1], ".tif"))
	assert.Equal(t, outDir, filepath.Dir(paths[0]))

	code, stdout, stderr = runCmd(t, "classify", paths[0], "49.2317, 17.4279")
	require.Zero(t, code, stderr)
	assert.Contains(t, stdout, "inside AOI")
}

func TestRenderRejectsBadInput(t *testing.T) {
	code, _, stderr := runCmd(t, "render", "--request-delay", "0s", "--no-cache")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "missing coordinates")

	code, _, stderr = runCmd(t, "render", "--no-cache", "--aoi", `{"points":[]}`, "49.2, 17.4")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "at least 3 points")

	code, _, stderr = runCmd(t, "render", "--format", "jpeg", "49.2, 17.4")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "output.format")
}
