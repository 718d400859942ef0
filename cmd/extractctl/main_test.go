package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadSections(t *testing.T) {
	yamlPath := writeFile(t, "sections.yaml", `
level_1:
  - title: Förvaltningsberättelse
    start_page: 2
    end_page: 4
  - title: Balansräkning
    start_page: 5
    end_page: 7
level_2:
  - title: Tillgångar
    start_page: 1
    end_page: 1
    parent: Balansräkning
`)
	m, err := readSections(yamlPath)
	require.NoError(t, err)
	require.Len(t, m.Level1, 2)
	assert.Equal(t, 5, m.Level1[1].StartPage)
	require.Len(t, m.Level2, 1)
	assert.Equal(t, "Balansräkning", m.Level2[0].Parent)

	jsonPath := writeFile(t, "sections.json", `{"level_1":[{"title":"Resultaträkning","start_page":3,"end_page":3}]}`)
	m, err = readSections(jsonPath)
	require.NoError(t, err)
	require.Len(t, m.Level1, 1)
	assert.Equal(t, "Resultaträkning", m.Level1[0].Title)

	m, err = readSections("")
	require.NoError(t, err)
	assert.True(t, m.Empty())

	_, err = readSections(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAdminCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, "test.yaml", "database:\n  driver: sqlite\n  path: "+filepath.Join(dir, "ctl.db")+"\n")

	run := func(args ...string) error {
		rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
		return rootCmd.Execute()
	}

	require.NoError(t, run("credit", "tenant-1", "5"))
	require.NoError(t, run("feature", "tenant-1", "off"))
	assert.Error(t, run("feature", "tenant-1", "maybe"))
	assert.Error(t, run("feature", "missing", "on"))
	assert.Error(t, run("credit", "tenant-1", "abc"))
	require.NoError(t, run("price", "openai/gpt-4o", "2.5", "10"))
	require.NoError(t, run("credential", "add", "shared", "sk-test"))
	require.NoError(t, run("credential", "list"))
}

func TestTokenRequiresSecret(t *testing.T) {
	cfgPath := writeFile(t, "test.yaml", "database:\n  driver: sqlite\n")
	rootCmd.SetArgs([]string{"--config", cfgPath, "token", "ops", "tenant-1"})
	assert.Error(t, rootCmd.Execute())

	t.Setenv("APP_AUTH_JWT_SECRET", "secret")
	rootCmd.SetArgs([]string{"--config", cfgPath, "token", "ops", "tenant-1", "--role", "admin"})
	assert.NoError(t, rootCmd.Execute())
}
