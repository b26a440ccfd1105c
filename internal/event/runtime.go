package event

import (
	"os"
	goruntime "runtime"
)

// Runtime identifies the execution environment that produced an event
type Runtime string

const (
	RuntimeBrowser Runtime = "browser"
	RuntimeServer  Runtime = "server"
	RuntimeEdge    Runtime = "edge"
)

// RuntimeEnv overrides runtime detection when set to a known runtime
const RuntimeEnv = "HEIMDALL_RUNTIME"

// Valid reports whether r is a known runtime
func (r Runtime) Valid() bool {
	switch r {
	case RuntimeBrowser, RuntimeServer, RuntimeEdge:
		return true
	}
	return false
}

// Client reports whether events from r are queued locally rather than persisted
func (r Runtime) Client() bool {
	return r == RuntimeBrowser || r == RuntimeEdge
}

// DetectRuntime returns browser for js/wasm builds, then honours HEIMDALL_RUNTIME,
// and falls back to server.
func DetectRuntime() Runtime {
	return detectRuntime(goruntime.GOOS, os.Getenv(RuntimeEnv))
}

func detectRuntime(goos, override string) Runtime {
	if goos == "js" {
		return RuntimeBrowser
	}
	if r := Runtime(override); r.Valid() {
		return r
	}
	return RuntimeServer
}
