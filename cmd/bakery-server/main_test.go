package main

import (
	"os"
	"os/exec"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupLogger(t *testing.T) {
	old := log.GetLevel()
	t.Cleanup(func() { log.SetLevel(old) })

	if err := setupLogger("debug"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}

	if err := setupLogger("WARN"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.GetLevel() != log.WarnLevel {
		t.Fatalf("expected warn level, got %s", log.GetLevel())
	}

	if err := setupLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestMainInvalidConfigExits(t *testing.T) {
	if os.Getenv("BAKERY_SERVER_TEST_EXIT") == "1" {
		main()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestMainInvalidConfigExits")
	cmd.Env = append(os.Environ(),
		"BAKERY_SERVER_TEST_EXIT=1",
		"BAKERY_CONFIG_FILE=",
		"BAKERY_STORAGE_DRIVER=postgres",
		"BAKERY_POSTGRES_DSN=",
	)
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}
