// Package signaler handles OS termination signals for long running daemons.
package signaler

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForInterrupt returns a channel that receives the next interrupt or
// termination signal delivered to the process
func WaitForInterrupt() <-chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}
