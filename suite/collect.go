package suite

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

// Session is the whole run: an optional session-wide setup and teardown
// and the modules to collect.
type Session struct {
	Setup    func(ctx context.Context) error
	Teardown func(ctx context.Context) error
	Modules  []Module
}

// Module groups tests that share module-level setup.
type Module struct {
	Name           string
	SetupModule    func(ctx context.Context) error
	TeardownModule func(ctx context.Context) error
	Funcs          []Func
	// Classes are pointers to structs; see the package documentation.
	Classes []any
}

// Func is a plain test function of a module.
type Func struct {
	Name string
	Fn   func(ctx context.Context, t *testing.T)
}

// ClassSetup is implemented by classes with a class-level setup hook.
type ClassSetup interface {
	SetupClass(ctx context.Context) error
}

// ClassTeardown is implemented by classes with a class-level teardown hook.
type ClassTeardown interface {
	TeardownClass(ctx context.Context) error
}

// MethodSetup is implemented by classes that set up every test method.
type MethodSetup interface {
	SetupMethod(ctx context.Context, name string) error
}

// MethodTeardown is implemented by classes that tear down every test method.
type MethodTeardown interface {
	TeardownMethod(ctx context.Context, name string) error
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	testingType = reflect.TypeOf((*testing.T)(nil))
)

// Collect builds the node tree of s and returns its root and the items in
// declaration order: for each module its functions, then the methods of each
// class in name order.
func Collect(s *Session) (*Node, []*Item, error) {
	root := &Node{kind: KindSession, name: "session", setup: s.Setup, teardown: s.Teardown}

	var items []*Item
	var errs []error
	seen := make(map[string]bool)
	for _, m := range s.Modules {
		if m.Name == "" {
			errs = append(errs, errors.New("module without a name"))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("duplicate module %q", m.Name))
			continue
		}
		seen[m.Name] = true

		mod := &Node{kind: KindModule, name: m.Name, parent: root, setup: m.SetupModule, teardown: m.TeardownModule}
		for _, f := range m.Funcs {
			if f.Fn == nil {
				errs = append(errs, fmt.Errorf("module %q: function %q has no body", m.Name, f.Name))
				continue
			}
			fn := &Node{kind: KindFunction, name: f.Name, parent: mod}
			items = append(items, &Item{node: fn, module: mod, run: f.Fn})
		}
		for _, c := range m.Classes {
			classItems, err := collectClass(mod, c)
			if err != nil {
				errs = append(errs, fmt.Errorf("module %q: %w", m.Name, err))
				continue
			}
			items = append(items, classItems...)
		}
	}
	return root, items, errors.Join(errs...)
}

func collectClass(mod *Node, class any) ([]*Item, error) {
	v := reflect.ValueOf(class)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("class %T must be a pointer to a struct", class)
	}
	typ := v.Type()

	cls := &Node{kind: KindClass, name: typ.Elem().Name(), parent: mod, class: class}
	if s, ok := class.(ClassSetup); ok {
		cls.setup = s.SetupClass
	}
	if td, ok := class.(ClassTeardown); ok {
		cls.teardown = td.TeardownClass
	}
	inst := &Node{kind: KindInstance, name: cls.name + "()", parent: cls, class: class}

	var items []*Item
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !strings.HasPrefix(m.Name, "Test") || !isTestMethod(m.Type) {
			continue
		}
		name := m.Name
		method := v.Method(i)
		fn := &Node{kind: KindFunction, name: name, parent: inst, class: class}
		if s, ok := class.(MethodSetup); ok {
			fn.setup = func(ctx context.Context) error { return s.SetupMethod(ctx, name) }
		}
		if td, ok := class.(MethodTeardown); ok {
			fn.teardown = func(ctx context.Context) error { return td.TeardownMethod(ctx, name) }
		}
		run := func(ctx context.Context, t *testing.T) {
			method.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(t)})
		}
		items = append(items, &Item{node: fn, module: mod, run: run})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("class %s has no test methods", cls.name)
	}
	return items, nil
}

// isTestMethod checks a method type including its receiver.
func isTestMethod(t reflect.Type) bool {
	return t.NumIn() == 3 && t.NumOut() == 0 &&
		t.In(1) == contextType && t.In(2) == testingType
}
