package processor

import (
	"bytes"
	"context"
	"os/exec"
)

// commandRunner executes an external binary, feeding stdin and capturing output
type commandRunner func(ctx context.Context, name string, args []string, stdin []byte) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// lookPath is swapped in tests
var lookPath = exec.LookPath
