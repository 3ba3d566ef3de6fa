package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(&buf, Options{Level: "warn"})
		require.NoError(t, err)

		l.Info("hidden")
		l.Warn("shown", "vertex", "v1")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "shown")
		assert.Contains(t, out, "vertex=v1")
	})

	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(&buf, Options{Level: "debug", Format: "json"})
		require.NoError(t, err)

		l.Debug("trash", "root", "v7")
		assert.Contains(t, buf.String(), `"root":"v7"`)
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		_, err := New(&bytes.Buffer{}, Options{Level: "chatty"})
		assert.Error(t, err)
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		_, err := New(&bytes.Buffer{}, Options{Format: "xml"})
		assert.Error(t, err)
	})
}

func TestContext(t *testing.T) {
	l := Discard()
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.Same(t, log.Default(), FromContext(context.Background()))
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := log.New(&bytes.Buffer{})
	assert.Same(t, l, OrDiscard(l))
}
