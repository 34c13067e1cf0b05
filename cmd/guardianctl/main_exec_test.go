package main

import (
	"os"
	"testing"
)

func TestMainExitCodes(t *testing.T) {
	origExit := osExit
	origArgs := os.Args
	defer func() {
		osExit = origExit
		os.Args = origArgs
	}()

	code := -1
	osExit = func(c int) { code = c }

	os.Args = []string{"guardianctl"}
	main()
	if code != 1 {
		t.Fatalf("expected exit 1 without a command, got %d", code)
	}

	code = -1
	os.Args = []string{"guardianctl", "mint-token", "--sub", "g1", "--secret", "s"}
	main()
	if code != -1 {
		t.Fatalf("expected no exit on success, got %d", code)
	}
}
