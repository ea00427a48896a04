package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySequencesCoverCommonKeys(t *testing.T) {
	cases := map[string]string{
		"enter":      "\r",
		"escape":     "\x1b",
		"tab":        "\t",
		"backspace":  "\x7f",
		"ctrl_c":     "\x03",
		"arrow_up":   "\x1b[A",
		"arrow_down": "\x1b[B",
	}
	for name, want := range cases {
		got, ok := keySequences[name]
		assert.True(t, ok, "missing key sequence for %s", name)
		assert.Equal(t, want, got)
	}
}

func TestSendInputOnExitedSessionIsANoop(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.CreateSession(Config{Command: []string{"/bin/true"}})
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool { return sess.GetInfo().Status == StatusExited })

	assert.NoError(t, sess.SendInput("anything"))
}

func TestSendInputChunksLargePayloadsWithoutError(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.CreateSession(Config{Command: []string{"/bin/cat"}})
	require.NoError(t, err)
	defer sess.Kill()

	big := strings.Repeat("x", chunkSize*3+17)
	assert.NoError(t, sess.SendInput(big))
}
