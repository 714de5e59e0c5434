package registry

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runspace/runspace/internal/event"
	"github.com/runspace/runspace/internal/kernel"
	"github.com/runspace/runspace/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	r := New(t.TempDir(), InProcessKernelFactory(kernel.Options{}), bus)
	t.Cleanup(r.CleanupAll)
	return r
}

func TestCreateWithExplicitID(t *testing.T) {
	r := newTestRegistry(t)

	sess, err := r.Create("s1", "")
	require.NoError(t, err)

	assert.Equal(t, "s1", sess.ID)
	assert.True(t, strings.HasSuffix(sess.Cwd, filepath.Join("sessions", "s1", "cwd")))
	assert.Equal(t, types.SessionRunning, sess.Status())
	assert.True(t, r.Exists("s1"))
}

func TestCreateGeneratesID(t *testing.T) {
	r := newTestRegistry(t)

	sess, err := r.Create("", "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sess.ID, "session-"))
	assert.True(t, r.Exists(sess.ID))
}

func TestCreateDuplicateFails(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create("s1", "")
	require.NoError(t, err)

	_, err = r.Create("s1", "")
	require.ErrorIs(t, err, ErrSessionExists)
}

func TestCreateStopCreateSameID(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create("s1", "")
	require.NoError(t, err)
	require.NoError(t, r.Stop("s1"))

	_, err = r.Create("s1", "")
	require.NoError(t, err)
}

func TestStopUnknownSession(t *testing.T) {
	r := newTestRegistry(t)
	require.ErrorIs(t, r.Stop("nope"), ErrSessionNotFound)
}

func TestGetUnknownSession(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListOrdersByID(t *testing.T) {
	r := newTestRegistry(t)

	for _, id := range []string{"s3", "s1", "s2"} {
		_, err := r.Create(id, "")
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "s1", list[0].ID)
	assert.Equal(t, "s2", list[1].ID)
	assert.Equal(t, "s3", list[2].ID)
	assert.Equal(t, 3, r.Count())
}

func TestConcurrentCreatesDistinctIDs(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Create(fmt.Sprintf("s%d", i), "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "create %d", i)
	}
	assert.Equal(t, 10, r.Count())
}

func TestExecuteUpdatesBookkeeping(t *testing.T) {
	r := newTestRegistry(t)

	sess, err := r.Create("s1", "")
	require.NoError(t, err)

	res, err := sess.Execute("e1", "x = 2 + 2\nx", nil)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess)
	assert.Equal(t, "4", res.Output)

	// A failed execution still counts: it returned a Result.
	res, err = sess.Execute("e2", "undefined_name", nil)
	require.NoError(t, err)
	assert.False(t, res.IsSuccess)

	info := sess.Info()
	assert.Equal(t, 2, info.ExecutionCount)
	assert.False(t, info.LastActivity.Before(info.CreatedAt))
}

func TestExecuteSetsArtifactDownloadURL(t *testing.T) {
	r := newTestRegistry(t)

	sess, err := r.Create("s1", "")
	require.NoError(t, err)

	res, err := sess.Execute("e1", "save_artifact('out', 'data', kind='text')", nil)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)

	a := res.Artifacts[0]
	assert.Equal(t, "/api/v1/sessions/s1/artifacts/"+a.FileName, a.DownloadURL)
}

func TestExecuteAfterStopIsSessionGone(t *testing.T) {
	r := newTestRegistry(t)

	sess, err := r.Create("s1", "")
	require.NoError(t, err)
	require.NoError(t, r.Stop("s1"))

	_, err = sess.Execute("e1", "x = 1", nil)
	require.ErrorIs(t, err, ErrSessionGone)
	assert.Equal(t, types.SessionStopped, sess.Status())
}

func TestLoadPluginTracksOrder(t *testing.T) {
	r := newTestRegistry(t)

	sess, err := r.Create("s1", "")
	require.NoError(t, err)

	require.NoError(t, sess.LoadPlugin("alpha", "a = 1\n", nil))
	require.NoError(t, sess.LoadPlugin("beta", "b = 2\n", nil))
	require.NoError(t, sess.LoadPlugin("alpha", "a = 3\n", nil))

	info := sess.Info()
	assert.Equal(t, []string{"alpha", "beta"}, info.LoadedPlugins)
}

func TestUpdateVariablesMerges(t *testing.T) {
	r := newTestRegistry(t)

	sess, err := r.Create("s1", "")
	require.NoError(t, err)

	require.NoError(t, sess.UpdateVariables(map[string]string{"a": "1"}))
	require.NoError(t, sess.UpdateVariables(map[string]string{"b": "2", "a": "3"}))

	assert.Equal(t, map[string]string{"a": "3", "b": "2"}, sess.Variables())

	res, err := sess.Execute("e1", "get_session_var('a')", nil)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Output)
}

func TestCleanupAllEmptiesRegistry(t *testing.T) {
	r := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		_, err := r.Create(fmt.Sprintf("s%d", i), "")
		require.NoError(t, err)
	}
	require.Equal(t, 3, r.Count())

	r.CleanupAll()
	assert.Equal(t, 0, r.Count())
	assert.False(t, r.Exists("s0"))
}

func TestCreatePublishesEvent(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	created := make(chan event.Event, 1)
	bus.Subscribe(event.SessionCreated, func(e event.Event) {
		select {
		case created <- e:
		default:
		}
	})

	r := New(t.TempDir(), InProcessKernelFactory(kernel.Options{}), bus)
	defer r.CleanupAll()

	_, err := r.Create("s1", "")
	require.NoError(t, err)

	e := <-created
	data := e.Data.(event.SessionCreatedData)
	assert.Equal(t, "s1", data.SessionID)
	assert.NotEmpty(t, data.Cwd)
}
