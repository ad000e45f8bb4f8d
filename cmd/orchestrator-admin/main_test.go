package main

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecraft/orchestrator/internal/domain/model"
)

func TestResolveJobTypes(t *testing.T) {
	t.Run("empty flag yields every type", func(t *testing.T) {
		types, err := resolveJobTypes("")
		require.NoError(t, err)
		assert.Len(t, types, len(model.AllJobTypes()))
	})

	t.Run("valid type yields a single entry", func(t *testing.T) {
		types, err := resolveJobTypes("seo_audit")
		require.NoError(t, err)
		require.Len(t, types, 1)
		assert.Equal(t, model.JobTypeSEOAudit, types[0])
	})

	t.Run("invalid type errors", func(t *testing.T) {
		_, err := resolveJobTypes("banana")
		require.Error(t, err)
	})
}

func TestPrintCountTable(t *testing.T) {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)

	defer func() {
		os.Stdout = oldStdout
	}()

	os.Stdout = w

	err = printCountTable("By category:", map[string]int{
		"NETWORK":  12,
		"DATABASE": 3,
	})
	require.NoError(t, err)

	require.NoError(t, w.Close())
	os.Stdout = oldStdout

	output, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	outStr := string(output)
	assert.Contains(t, outStr, "By category:")
	assert.Contains(t, outStr, "NETWORK")
	assert.Contains(t, outStr, "12")
	// Keys print in sorted order.
	assert.Less(t, strings.Index(outStr, "DATABASE"), strings.Index(outStr, "NETWORK"))
}
