package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesMessage(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, zerolog.DebugLevel)

	l.Info("snapshot created", "snapshot_id", 3, "log_cursor", 100)

	require.Contains(t, buf.String(), "snapshot created")
	require.Contains(t, buf.String(), "snapshot_id")
}

func TestLoggerWithChaining(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, zerolog.DebugLevel)

	scoped := l.With("op", "create_snapshot")
	scoped.Warn("retrying")

	require.Contains(t, buf.String(), "op")
	require.Contains(t, buf.String(), "retrying")
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := Nop()
	l.Debug("noop")
	l.With("k", "v").Error("still noop")
}
