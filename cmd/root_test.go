package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "migrate", "seed", "estimate", "progress", "report", "audit", "project"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "jobcost", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("actor"))
}

func TestEstimateCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range estimateCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"create", "update", "delete", "list", "history"} {
		assert.True(t, names[name], "estimate should have subcommand %q", name)
	}
}

func TestEstimateCreateCommand_Flags(t *testing.T) {
	for _, name := range []string{"phase", "kind", "amount", "date", "confidence", "notes"} {
		assert.NotNil(t, estimateCreateCmd.Flags().Lookup(name), "estimate create should have --%s flag", name)
	}
}

func TestReportCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range reportCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"phases", "totals", "dashboard"} {
		assert.True(t, names[name], "report should have subcommand %q", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestSeedCommand_DefaultFile(t *testing.T) {
	flag := seedCmd.Flags().Lookup("file")
	require.NotNil(t, flag)
	assert.Equal(t, "fixtures/demo.yaml", flag.DefValue)
}

func TestAuditListCommand_Flags(t *testing.T) {
	flag := auditListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
}

func TestActor(t *testing.T) {
	orig := actorFlag
	t.Cleanup(func() { actorFlag = orig })

	actorFlag = ""
	t.Setenv("JOBCOST_ACTOR", "")
	t.Setenv("USER", "shell-user")
	assert.Equal(t, "shell-user", actor())

	t.Setenv("JOBCOST_ACTOR", "env-user")
	assert.Equal(t, "env-user", actor())

	actorFlag = "flag-user"
	assert.Equal(t, "flag-user", actor())
}
