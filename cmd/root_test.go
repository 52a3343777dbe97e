package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"ingest", "compliance", "amend", "cache", "serve"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "grc-extract", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestAmendCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range amendCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"process", "check", "cancel", "status", "list", "match"} {
		assert.True(t, names[name], "expected amend subcommand %q not found", name)
	}
}

func TestCacheCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range cacheCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["stats"])
	assert.True(t, names["clear"])
}

func TestIngestCommand_Flags(t *testing.T) {
	flag := ingestCmd.Flags().Lookup("user")
	require.NotNil(t, flag)
	assert.Equal(t, "local", flag.DefValue)

	require.NotNil(t, ingestCmd.Flags().Lookup("compliance"))
	require.NotNil(t, ingestCmd.Flags().Lookup("no-compliance"))
	require.NotNil(t, ingestCmd.Flags().Lookup("full"))
	assert.Error(t, ingestCmd.Args(ingestCmd, nil))
}

func TestAmendMatchCommand_Flags(t *testing.T) {
	flag := amendMatchCmd.Flags().Lookup("threshold")
	require.NotNil(t, flag)
	assert.Equal(t, "0.5", flag.DefValue)

	flag = amendMatchCmd.Flags().Lookup("top")
	require.NotNil(t, flag)
	assert.Equal(t, "5", flag.DefValue)

	require.NotNil(t, amendMatchCmd.Flags().Lookup("origin"))
	require.NotNil(t, amendMatchCmd.Flags().Lookup("force"))
}

func TestAmendFrameworkIDFlag_OnProcessAndCheck(t *testing.T) {
	assert.NotNil(t, amendProcessCmd.Flags().Lookup("framework-id"))
	assert.NotNil(t, amendCheckCmd.Flags().Lookup("framework-id"))
	assert.NotNil(t, amendCheckCmd.Flags().Lookup("process"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}
