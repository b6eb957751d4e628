package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// ImageExists reports whether the image is present in the local docker
// daemon.
func ImageExists(ctx context.Context, image string) bool {
	cmd := exec.CommandContext(ctx, "docker", "image", "inspect", image)
	return cmd.Run() == nil
}

// BuildImage builds the agent container image from the current directory,
// streaming build output to the caller's stdout and stderr.
func BuildImage(ctx context.Context, image, dockerfile string) error {
	fmt.Printf("==> Building %s...\n", image)
	cmd := exec.CommandContext(ctx, "docker", "build", "-t", image, "-f", dockerfile, ".")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker build of %s failed: %w", image, err)
	}
	return nil
}
