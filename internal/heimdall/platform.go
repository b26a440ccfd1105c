//go:build !js

package heimdall

import (
	"os"

	"github.com/austindbirch/heimdall/internal/config"
	"github.com/austindbirch/heimdall/internal/queue"
)

func defaultStorage(cfg config.Client) queue.Storage {
	if cfg.QueuePath == "" {
		return queue.NewMemoryStorage()
	}
	return queue.NewFileStorage(cfg.QueuePath, cfg.QueueMaxBytes)
}

// defaultPath reports the working directory for edge processes
func defaultPath() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func watch(*queue.Queue) func() { return nil }
