package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `
graph:
  tenant_id: tenant
  client_id: client
  client_secret: hush
jira:
  base_url: https://jira.example.com
  project_key: HELP
  thread_link_field: customfield_10042
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	require.Equal(t, "Task", cfg.Jira.IssueType)
	require.Equal(t, "MS Teams link[URL Field]", cfg.Jira.ThreadLinkJQL)
	require.Equal(t, "memory", cfg.Cache.Backend)
	require.Equal(t, time.Hour, cfg.Cache.TTL)
	require.Equal(t, 5, cfg.DeadLetter.MaxAttempts)
	require.Equal(t, "@every 1m", cfg.DeadLetter.Schedule)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
graph:
  tenant_id: tenant
jira:
  base_url: https://jira.example.com
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "graph.client_id")
	require.Contains(t, err.Error(), "jira.project_key")
	require.Contains(t, err.Error(), "jira.thread_link_field")
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("BRIDGE_SERVER_ADDR", ":9090")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
