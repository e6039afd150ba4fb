package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	m := NewManager(t.TempDir())

	err := m.Save(Checkpoint{TaskID: "T", State: json.RawMessage(`{"step":7}`)})
	require.NoError(t, err)

	cp, err := m.Load("T")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.JSONEq(t, `{"step":7}`, string(cp.State))

	require.NoError(t, m.Delete("T"))
	cp, err = m.Load("T")
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestManager_SaveReplacesSameTask(t *testing.T) {
	m := NewManager(t.TempDir())

	require.NoError(t, m.Save(Checkpoint{TaskID: "T", State: json.RawMessage(`{"step":1}`)}))
	require.NoError(t, m.Save(Checkpoint{TaskID: "T", State: json.RawMessage(`{"step":2}`)}))

	cp, err := m.Load("T")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.JSONEq(t, `{"step":2}`, string(cp.State))

	st := m.GetStats()
	require.Equal(t, 1, st.Live)
}

func TestManager_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.Save(Checkpoint{TaskID: "T", State: json.RawMessage(`{"step":7}`)}))

	// Fresh manager over the same directory, as after a crash.
	m2 := NewManager(dir)
	cp, err := m2.Load("T")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.JSONEq(t, `{"step":7}`, string(cp.State))
	require.Empty(t, m2.ListExpired())
}

func TestManager_TTLExpiryAndCleanup(t *testing.T) {
	var cur time.Time
	cur = time.Now()
	m := NewManager(t.TempDir(), WithClock(func() time.Time { return cur }))

	require.NoError(t, m.Save(Checkpoint{TaskID: "short", TTLMs: 1000, State: json.RawMessage(`1`)}))
	require.NoError(t, m.Save(Checkpoint{TaskID: "long", TTLMs: 60_000, State: json.RawMessage(`2`)}))

	cur = cur.Add(5 * time.Second)
	expired := m.ListExpired()
	require.Len(t, expired, 1)
	require.Equal(t, "short", expired[0].TaskID)

	removed, err := m.Cleanup()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// Idempotent second sweep.
	removed, err = m.Cleanup()
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	cp, err := m.Load("long")
	require.NoError(t, err)
	require.NotNil(t, cp)
}

func TestManager_CleanupEnforcesMaxCheckpoints(t *testing.T) {
	var cur time.Time
	cur = time.Now()
	m := NewManager(t.TempDir(),
		WithClock(func() time.Time { return cur }),
		WithMaxCheckpoints(2))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Save(Checkpoint{TaskID: id, State: json.RawMessage(`{}`)}))
		cur = cur.Add(time.Second)
	}

	removed, err := m.Cleanup()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// The oldest checkpoint is the one dropped.
	cp, err := m.Load("a")
	require.NoError(t, err)
	require.Nil(t, cp)
	cp, err = m.Load("c")
	require.NoError(t, err)
	require.NotNil(t, cp)
}

func TestManager_CorruptFileQuarantined(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.Save(Checkpoint{TaskID: "ok", State: json.RawMessage(`{}`)}))

	// Simulate a torn write.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoints", "bad__x.json"), []byte("{not json"), 0o644))

	cp, err := m.Load("bad")
	require.NoError(t, err)
	require.Nil(t, cp)

	st := m.GetStats()
	require.Equal(t, 1, st.Live)
	require.Equal(t, 1, st.Corrupt)
}

func TestManager_IntegrityTagRejectsTampering(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, WithSigningKey([]byte("k")))
	require.NoError(t, m.Save(Checkpoint{TaskID: "T", State: json.RawMessage(`{"step":7}`)}))

	cp, err := m.Load("T")
	require.NoError(t, err)
	require.NotNil(t, cp)

	// A manager with a different key must reject the file.
	m2 := NewManager(dir, WithSigningKey([]byte("other")))
	cp, err = m2.Load("T")
	require.NoError(t, err)
	require.Nil(t, cp)
}
