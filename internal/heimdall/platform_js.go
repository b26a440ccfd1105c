//go:build js && wasm

package heimdall

import (
	"github.com/austindbirch/heimdall/internal/config"
	"github.com/austindbirch/heimdall/internal/queue"
)

const storageKey = "heimdall.telemetry.queue"

func defaultStorage(config.Client) queue.Storage {
	return queue.NewLocalStorage(storageKey)
}

func defaultPath() string {
	return queue.CurrentPath()
}

func watch(q *queue.Queue) func() {
	return queue.WatchVisibility(q)
}
