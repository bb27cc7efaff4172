package buildtool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargetsJSONArray(t *testing.T) {
	targets := ParseTargets(`["//src/server:server", "//src/server:server_test"]`)
	assert.Equal(t, []string{"//src/server:server", "//src/server:server_test"}, targets)
}

func TestParseTargetsLineDelimited(t *testing.T) {
	out := "//src/server:server\n//src/server:server_test\n"
	targets := ParseTargets(out)
	assert.Equal(t, []string{"//src/server:server", "//src/server:server_test"}, targets)
}

func TestParseTargetsIgnoresNoise(t *testing.T) {
	out := "warning: something\n//src/a:a\n\nnot a label\n"
	targets := ParseTargets(out)
	assert.Equal(t, []string{"//src/a:a"}, targets)
}

func TestParseTargetsEmpty(t *testing.T) {
	assert.Nil(t, ParseTargets(""))
	assert.Nil(t, ParseTargets("   \n  "))
	assert.Nil(t, ParseTargets("[]"))
}

func TestMissingBinaryFailsFast(t *testing.T) {
	cli := New("definitely-not-a-real-build-tool-binary", t.TempDir())
	_, err := cli.WhatInputs(context.Background(), "x.go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
