// Command bbbbench drives a BBB-tree (or plain B+-tree, for comparison)
// through a synthetic key/value workload and reports the buffer pool's
// telemetry counters (§6).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mrlbrg/bbbtree-go/cmd/bbbbench/root"
)

func main() {
	cmd := root.NewCmd()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("bbbbench: command failed")
		os.Exit(1)
	}
}
