//go:build js && wasm

package queue

import (
	"fmt"
	"syscall/js"
)

// LocalStorage keeps the queue under one key of window.localStorage, which
// survives reloads of the tab.
type LocalStorage struct {
	key string
}

func NewLocalStorage(key string) *LocalStorage {
	return &LocalStorage{key: key}
}

func (s *LocalStorage) store() js.Value {
	return js.Global().Get("localStorage")
}

func (s *LocalStorage) Load() (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read localStorage: %v", r)
		}
	}()
	v := s.store().Call("getItem", s.key)
	if v.IsNull() || v.IsUndefined() {
		return nil, nil
	}
	return []byte(v.String()), nil
}

// Save maps the browser's QuotaExceededError to ErrQuotaExceeded
func (s *LocalStorage) Save(data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if jsErr, ok := r.(js.Error); ok && jsErr.Get("name").String() == "QuotaExceededError" {
				err = fmt.Errorf("%w: %s", ErrQuotaExceeded, jsErr.Error())
				return
			}
			err = fmt.Errorf("write localStorage: %v", r)
		}
	}()
	s.store().Call("setItem", s.key, string(data))
	return nil
}

func (s *LocalStorage) Clear() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("clear localStorage: %v", r)
		}
	}()
	s.store().Call("removeItem", s.key)
	return nil
}

// WatchVisibility calls q.VisibilityChanged on every document visibilitychange.
// The returned function removes the listener.
func WatchVisibility(q *Queue) func() {
	doc := js.Global().Get("document")
	cb := js.FuncOf(func(this js.Value, args []js.Value) any {
		q.VisibilityChanged(doc.Get("visibilityState").String() == "hidden")
		return nil
	})
	doc.Call("addEventListener", "visibilitychange", cb)
	return func() {
		doc.Call("removeEventListener", "visibilitychange", cb)
		cb.Release()
	}
}

// CurrentPath returns window.location.pathname for the emitter's path provider
func CurrentPath() string {
	return js.Global().Get("location").Get("pathname").String()
}
