/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// Variable is an entry of a Store. Name is the decorated name it was defined with, e.g. "${my var}".
type Variable struct {
	Name  string
	Value any
}

// Store is an ordered set of variables. Names are matched ignoring case, spaces and underscores,
// and regardless of the decoration ($, @, & or %) used.
// Stores are safe for concurrent use.
type Store struct {
	lock sync.RWMutex
	vars *linkedhashmap.Map // normalized name -> Variable
}

func NewStore() *Store {
	return &Store{vars: linkedhashmap.New()}
}

// Set defines or replaces a variable. The name may be decorated ("${x}") or bare ("x").
// Replacing a variable keeps its position in the store.
func (s *Store) Set(name string, value any) {
	decorated := decorate(name, value)
	key := NormalizeName(name)

	s.lock.Lock()
	defer s.lock.Unlock()

	if existing, found := s.vars.Get(key); found {
		// Keep the original spelling of the name.
		decorated = string(decorated[0]) + existing.(Variable).Name[1:]
	}
	s.vars.Put(key, Variable{Name: decorated, Value: value})
}

func (s *Store) Get(name string) (any, bool) {
	v, found := s.Lookup(name)
	return v.Value, found
}

func (s *Store) Lookup(name string) (Variable, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	v, found := s.vars.Get(NormalizeName(name))
	if !found {
		return Variable{}, false
	}
	return v.(Variable), true
}

func (s *Store) Has(name string) bool {
	_, found := s.Lookup(name)
	return found
}

func (s *Store) Delete(name string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.vars.Remove(NormalizeName(name))
}

func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.vars.Size()
}

// Variables returns a snapshot of all variables in definition order.
func (s *Store) Variables() []Variable {
	s.lock.RLock()
	defer s.lock.RUnlock()

	retval := make([]Variable, 0, s.vars.Size())
	s.vars.Each(func(_ any, value any) {
		retval = append(retval, value.(Variable))
	})
	return retval
}

func (s *Store) Copy() *Store {
	c := NewStore()
	for _, v := range s.Variables() {
		c.vars.Put(NormalizeName(v.Name), v)
	}
	return c
}

// Update sets all variables of other in s.
func (s *Store) Update(other *Store) {
	for _, v := range other.Variables() {
		s.Set(v.Name, v.Value)
	}
}

// NormalizeName returns the key used to match variable names.
func NormalizeName(name string) string {
	if _, base, ok := splitDecorated(name); ok {
		name = base
	}
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "")
	return strings.ReplaceAll(name, "_", "")
}

// IsVariable reports whether s is exactly one decorated variable, like "${x}" or "@{list}".
func IsVariable(s string) bool {
	m := findVariable(s, 0)
	return m.found && m.start == 0 && m.end == len(s) && len(m.items) == 0
}

func splitDecorated(name string) (byte, string, bool) {
	if len(name) < 3 || name[1] != '{' || name[len(name)-1] != '}' {
		return 0, "", false
	}
	switch name[0] {
	case '$', '@', '&', '%':
		return name[0], name[2 : len(name)-1], true
	default:
		return 0, "", false
	}
}

func decorate(name string, value any) string {
	if decoration, base, ok := splitDecorated(name); ok {
		if decoration == '%' {
			decoration = '$'
		}
		return string(decoration) + "{" + base + "}"
	}

	switch value.(type) {
	case []any:
		return "@{" + name + "}"
	case *Dict:
		return "&{" + name + "}"
	default:
		return "${" + name + "}"
	}
}
