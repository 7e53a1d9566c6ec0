package store

import "reflect"

// hasMethod reports whether v's type declares a method by that name.
func hasMethod(v any, name string) bool {
	_, ok := reflect.TypeOf(v).MethodByName(name)
	return ok
}
