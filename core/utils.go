package core

import (
	"reflect"

	"github.com/encodeous/dockmesh/state"
)

func Get[T state.NyModule](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

// TryGet is Get for optional modules.
func TryGet[T state.NyModule](s *state.State) (T, bool) {
	t := reflect.TypeFor[T]()
	m, ok := s.Modules[t.String()].(T)
	return m, ok
}
