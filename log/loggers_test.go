package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLevel(t *testing.T) {
	t.Parallel()
	l := splitLevel("INFO|DEBUG|WARN|ERROR")
	assert.True(t, l.Info)
	assert.True(t, l.Debug)
	assert.True(t, l.Warn)
	assert.True(t, l.Error)

	l = splitLevel("warn")
	assert.False(t, l.Info)
	assert.True(t, l.Warn)

	l = splitLevel("")
	assert.Equal(t, Levels{}, l)
}

func TestSetupGlobalLogger(t *testing.T) {
	require.NoError(t, SetupGlobalLogger(&Config{Level: "INFO|ERROR"}))
	require.NotNil(t, Global)
	require.NotNil(t, SchedMgr)
	assert.True(t, Global.levels.Info)
	assert.False(t, Global.levels.Debug)

	err := SetupGlobalLogger(&Config{
		Level:      "INFO",
		SubLoggers: []SubLoggerConfig{{Name: "nope", Level: "DEBUG"}},
	})
	assert.ErrorIs(t, err, errUnknownSubLogger)

	require.NoError(t, SetupGlobalLogger(&Config{
		Level:      "INFO",
		SubLoggers: []SubLoggerConfig{{Name: "scheduler", Level: "DEBUG|INFO"}},
	}))
	assert.True(t, SchedMgr.levels.Debug)
}

func TestLevelGating(t *testing.T) {
	require.NoError(t, SetupGlobalLogger(&Config{Level: "INFO|WARN|ERROR"}))
	var buf bytes.Buffer
	SetOutput(&buf)

	Debugf(SessionMgr, "hidden %d", 1)
	assert.Empty(t, buf.String())

	Infof(SessionMgr, "shown %d", 2)
	assert.Contains(t, buf.String(), "SESSION")
	assert.Contains(t, buf.String(), "shown 2")

	buf.Reset()
	Warnln(DatabaseMgr, "careful")
	Errorf(SchedMgr, "broken: %v", "reason")
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "SCHEDULER")
	assert.Contains(t, out, "broken: reason")
}
