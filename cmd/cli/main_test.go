package main

import (
	"os"
	"testing"
)

func writeTestManifest(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())

	manifest := `
version: "1"
tasks:
  build:
    command: "true"
  test:
    needs: [build]
    command: "true"
`
	if err := os.WriteFile("kiln.yaml", []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTasksCmd(t *testing.T) {
	writeTestManifest(t)

	cmd := tasksCmd()
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("tasks command error: %v", err)
	}
}

func TestGraphCmd(t *testing.T) {
	writeTestManifest(t)

	cmd := graphCmd()
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("graph command error: %v", err)
	}
}

func TestTasksCmd_MissingManifest(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := tasksCmd()
	if err := cmd.RunE(cmd, nil); err == nil {
		t.Fatal("tasks command should fail without a manifest")
	}
}

func TestRunCmd_Flags(t *testing.T) {
	cmd := runCmd()

	for _, flag := range []string{"file", "remote", "sandbox", "no-cache"} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("run command missing --%s flag", flag)
		}
	}
}
