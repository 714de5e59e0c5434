package kernel

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runspace/runspace/internal/verify"
	"github.com/runspace/runspace/pkg/types"
)

func newTestKernel(t *testing.T, opts Options) *Kernel {
	t.Helper()
	k := NewInProcessKernel("s-test", t.TempDir(), t.TempDir(), opts)
	require.NoError(t, k.Start())
	t.Cleanup(k.Stop)
	return k
}

func TestExecuteLastExpressionValue(t *testing.T) {
	k := newTestKernel(t, Options{})

	res, err := k.Execute("e1", "x=2+2\nx", nil)
	require.NoError(t, err)

	assert.Equal(t, "e1", res.ExecutionID)
	assert.True(t, res.IsSuccess)
	assert.Equal(t, "4", res.Output)
	assert.Contains(t, res.Variables, types.Variable{Name: "x", Value: "4"})
}

func TestExecuteStreamsStdoutInOrder(t *testing.T) {
	k := newTestKernel(t, Options{})

	var mu sync.Mutex
	var streamed []string
	res, err := k.Execute("e2", "print('a')\nprint('b')", func(stream, text string) {
		mu.Lock()
		streamed = append(streamed, stream+":"+text)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.True(t, res.IsSuccess)
	assert.Equal(t, []string{"a\n", "b\n"}, res.Stdout)
	mu.Lock()
	assert.Equal(t, []string{"stdout:a\n", "stdout:b\n"}, streamed)
	mu.Unlock()
}

func TestExecuteFailureStaysInResult(t *testing.T) {
	k := newTestKernel(t, Options{})

	res, err := k.Execute("e3", "undefined_name", nil)
	require.NoError(t, err)

	assert.False(t, res.IsSuccess)
	assert.Contains(t, res.Error, "undefined_name")

	// The kernel survives a failed execution.
	res, err = k.Execute("e4", "y = 1\ny", nil)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess)
	assert.Equal(t, "1", res.Output)
}

func TestStatePersistsAcrossExecutions(t *testing.T) {
	k := newTestKernel(t, Options{})

	_, err := k.Execute("e1", "counter = 10", nil)
	require.NoError(t, err)

	res, err := k.Execute("e2", "counter = counter + 5\ncounter", nil)
	require.NoError(t, err)
	assert.Equal(t, "15", res.Output)
}

func TestVerifierBlocksDangerousAttribute(t *testing.T) {
	v, err := verify.New(verify.Policy{})
	require.NoError(t, err)
	k := newTestKernel(t, Options{Verifier: v})

	res, err := k.Execute("e1", "c = obj.__class__", nil)
	require.NoError(t, err)

	assert.False(t, res.IsSuccess)
	assert.Contains(t, res.Error, "line 1")
	assert.Contains(t, res.Error, "__class__")
}

func TestImportLinesStrippedWithLog(t *testing.T) {
	k := newTestKernel(t, Options{})

	res, err := k.Execute("e1", "import math\nx = 1\nx", nil)
	require.NoError(t, err)

	assert.True(t, res.IsSuccess)
	assert.Equal(t, "1", res.Output)
	require.NotEmpty(t, res.Log)
	assert.Equal(t, "import", res.Log[0].Tag)
	assert.Contains(t, res.Log[0].Message, "import math")
}

func TestBlockedImportFailsExecution(t *testing.T) {
	v, err := verify.New(verify.Policy{BlockedModules: []string{"os"}})
	require.NoError(t, err)
	k := newTestKernel(t, Options{Verifier: v})

	res, err := k.Execute("e1", "import os\nx = 1", nil)
	require.NoError(t, err)

	assert.False(t, res.IsSuccess)
	assert.Contains(t, res.Error, "'os'")
}

func TestInstallMagicDispatchedToInstaller(t *testing.T) {
	installer := NewRecordingInstaller()
	k := newTestKernel(t, Options{Installer: installer})

	res, err := k.Execute("e1", "!pip install requests\nx = 1\nx", nil)
	require.NoError(t, err)

	assert.True(t, res.IsSuccess)
	assert.Equal(t, "1", res.Output)

	reqs := installer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"pip", "install", "requests"}, reqs[0])

	require.NotEmpty(t, res.Log)
	assert.Equal(t, "installer", res.Log[0].Tag)
}

func TestNonInstallMagicRejected(t *testing.T) {
	k := newTestKernel(t, Options{})

	res, err := k.Execute("e1", "!ls -la\nx = 1", nil)
	require.NoError(t, err)

	assert.False(t, res.IsSuccess)
	assert.Contains(t, res.Error, "Magic commands")
	assert.Contains(t, res.Error, "ls -la")
}

func TestLoadPluginAndCall(t *testing.T) {
	k := newTestKernel(t, Options{})

	source := "def greet(name):\n    return 'hello ' + name\n"
	require.NoError(t, k.LoadPlugin("p1", source, nil))

	res, err := k.Execute("e1", "p1.greet('bob')", nil)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess)
	assert.Equal(t, "hello bob", res.Output)
}

func TestPluginConfigAccess(t *testing.T) {
	k := newTestKernel(t, Options{})

	source := "endpoint = get_config('endpoint', 'default')\nmissing = get_config('missing', 'fallback')\n"
	require.NoError(t, k.LoadPlugin("p1", source, map[string]any{"endpoint": "https://example.com"}))

	res, err := k.Execute("e1", "p1.endpoint", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", res.Output)

	res, err = k.Execute("e2", "p1.missing", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Output)
}

func TestPluginReloadReplacesBinding(t *testing.T) {
	k := newTestKernel(t, Options{})

	require.NoError(t, k.LoadPlugin("p1", "version = 'one'\n", nil))
	require.NoError(t, k.LoadPlugin("p1", "version = 'two'\n", nil))

	res, err := k.Execute("e1", "p1.version", nil)
	require.NoError(t, err)
	assert.Equal(t, "two", res.Output)
}

func TestPluginLoadFailure(t *testing.T) {
	k := newTestKernel(t, Options{})

	err := k.LoadPlugin("bad", "def broken(:\n", nil)
	require.Error(t, err)

	var loadErr *PluginLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "bad", loadErr.Name)
}

func TestSessionVariables(t *testing.T) {
	k := newTestKernel(t, Options{})

	require.NoError(t, k.UpdateSessionVars(map[string]string{"token": "abc"}))

	res, err := k.Execute("e1", "get_session_var('token')", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Output)

	res, err = k.Execute("e2", "get_session_var('absent', 'dflt')", nil)
	require.NoError(t, err)
	assert.Equal(t, "dflt", res.Output)
}

func TestNumericListRendersAsNdarray(t *testing.T) {
	k := newTestKernel(t, Options{})

	res, err := k.Execute("e1", "a = [1, 2, 3]\na", nil)
	require.NoError(t, err)
	assert.Equal(t, "ndarray shape=(3,) dtype=int64 value=[1, 2, 3]", res.Output)

	res, err = k.Execute("e2", "b = [1.5, 2]\nb", nil)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "dtype=float64")
}

func TestUnderscoreNamesHiddenFromSnapshot(t *testing.T) {
	k := newTestKernel(t, Options{})

	res, err := k.Execute("e1", "_hidden = 1\nshown = 2", nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Variables))
	for _, v := range res.Variables {
		names = append(names, v.Name)
	}
	assert.Contains(t, names, "shown")
	assert.NotContains(t, names, "_hidden")
}

func TestFunctionsExcludedFromSnapshot(t *testing.T) {
	k := newTestKernel(t, Options{})

	res, err := k.Execute("e1", "def fn():\n    return 1\nval = fn()", nil)
	require.NoError(t, err)

	for _, v := range res.Variables {
		assert.NotEqual(t, "fn", v.Name)
	}
	assert.Contains(t, res.Variables, types.Variable{Name: "val", Value: "1"})
}

func TestSaveArtifactWritesFile(t *testing.T) {
	cwd := t.TempDir()
	k := NewInProcessKernel("s-art", t.TempDir(), cwd, Options{})
	require.NoError(t, k.Start())
	t.Cleanup(k.Stop)

	res, err := k.Execute("e1", "save_artifact('report', 'col1,col2\\n1,2\\n', kind='dataframe')", nil)
	require.NoError(t, err)
	require.True(t, res.IsSuccess, res.Error)

	require.Len(t, res.Artifacts, 1)
	a := res.Artifacts[0]
	assert.Equal(t, "report", a.Name)
	assert.Equal(t, types.ArtifactDataFrame, a.Kind)
	assert.Equal(t, "text/csv", a.MimeType)
	assert.Equal(t, types.ContentUTF8, a.FileContentEncoding)
	assert.NotEmpty(t, a.FileName)

	data, err := os.ReadFile(filepath.Join(cwd, a.FileName))
	require.NoError(t, err)
	assert.Equal(t, "col1,col2\n1,2\n", string(data))
	assert.Equal(t, string(data), a.FileContent)
}

func TestDisplayPersistsInlinePayload(t *testing.T) {
	cwd := t.TempDir()
	k := NewInProcessKernel("s-disp", t.TempDir(), cwd, Options{})
	require.NoError(t, k.Start())
	t.Cleanup(k.Stop)

	res, err := k.Execute("e1", "display('<p>hi</p>', mime_type='text/html')", nil)
	require.NoError(t, err)
	require.True(t, res.IsSuccess, res.Error)

	require.Len(t, res.Artifacts, 1)
	a := res.Artifacts[0]
	assert.Equal(t, types.ArtifactHTML, a.Kind)
	assert.True(t, filepath.Ext(a.FileName) == ".html")

	data, err := os.ReadFile(filepath.Join(cwd, a.FileName))
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(data))
}

func TestKernelLogBuiltin(t *testing.T) {
	k := newTestKernel(t, Options{})

	res, err := k.Execute("e1", "log('warning', 'demo', 'something happened')", nil)
	require.NoError(t, err)

	require.Len(t, res.Log, 1)
	assert.Equal(t, types.LogEntry{Level: "warning", Tag: "demo", Message: "something happened"}, res.Log[0])
}

func TestStopIsIdempotentAndExecuteAfterStopFails(t *testing.T) {
	k := newTestKernel(t, Options{})

	k.Stop()
	k.Stop()

	_, err := k.Execute("e1", "x = 1", nil)
	require.ErrorIs(t, err, ErrKernelGone)
	assert.False(t, k.Alive())
}

func TestStartIsIdempotent(t *testing.T) {
	k := newTestKernel(t, Options{})
	require.NoError(t, k.Start())
	require.NoError(t, k.Start())
}

func TestExecutionsSerializeOnOneKernel(t *testing.T) {
	k := newTestKernel(t, Options{})

	_, err := k.Execute("e0", "total = 0", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := k.Execute("e", "total = total + 1", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := k.Execute("efinal", "total", nil)
	require.NoError(t, err)
	assert.Equal(t, "5", res.Output)
}

func TestSyntaxErrorInResult(t *testing.T) {
	k := newTestKernel(t, Options{})

	res, err := k.Execute("e1", "def broken(:\n", nil)
	require.NoError(t, err)
	assert.False(t, res.IsSuccess)
	assert.NotEmpty(t, res.Error)
}
