package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name: "yaml map",
			content: `tasks:
  - id: intro
    source: videos/intro.mp4
    output: out/intro.md
    priority: 1
  - source: /abs/b.mov
    output: /abs/b.md
`,
			want: 2,
		},
		{
			name:    "json",
			content: `{"tasks": [{"source": "a.mp4", "output": "a.md"}]}`,
			want:    1,
		},
		{
			name:    "bare list",
			content: "- source: a.mp4\n  output: a.md\n",
			want:    1,
		},
		{name: "empty", content: "", wantErr: true},
		{name: "scalar", content: "hello", wantErr: true},
		{name: "missing output", content: "- source: a.mp4\n", wantErr: true},
		{
			name:    "duplicate id",
			content: "- {id: x, source: a.mp4, output: a.md}\n- {id: x, source: b.mp4, output: b.md}\n",
			wantErr: true,
		},
		{
			name:    "shared output",
			content: "- {source: a.mp4, output: same.md}\n- {source: b.mp4, output: same.md}\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := Parse([]byte(tt.content), "/base")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, specs, tt.want)
		})
	}
}

func TestParseResolvesRelativePaths(t *testing.T) {
	specs, err := Parse([]byte("tasks:\n  - {id: intro, source: v/intro.mp4, output: /out/intro.md, priority: 2}\n"), "/base")
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "intro", specs[0].TaskID)
	assert.Equal(t, filepath.Join("/base", "v", "intro.mp4"), specs[0].SourcePath)
	assert.Equal(t, "/out/intro.md", specs[0].OutputTarget)
	assert.Equal(t, 2, specs[0].Priority)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks:\n  - {source: a.mp4, output: a.md}\n"), 0o644))

	specs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.mp4"), specs[0].SourcePath)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.mp4"))
	touch(t, filepath.Join(dir, "a.MOV"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "sub", "c.mkv"))
	touch(t, filepath.Join(dir, ".hidden", "d.mp4"))

	exts := []string{".mp4", "mov", ".mkv"}

	specs, err := Scan(dir, ScanOptions{Extensions: exts})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, filepath.Join(dir, "a.MOV"), specs[0].SourcePath)
	assert.Equal(t, filepath.Join(dir, "a_lesson_plan.md"), specs[0].OutputTarget)
	assert.Equal(t, filepath.Join(dir, "b.mp4"), specs[1].SourcePath)

	out := filepath.Join(t.TempDir(), "reports")
	specs, err = Scan(dir, ScanOptions{Extensions: exts, Recursive: true, OutputDir: out, Suffix: ".md"})
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, filepath.Join(out, "sub", "c.md"), specs[2].OutputTarget)

	_, err = Scan(filepath.Join(dir, "missing"), ScanOptions{})
	assert.Error(t, err)
	_, err = Scan(filepath.Join(dir, "b.mp4"), ScanOptions{})
	assert.Error(t, err)
}
