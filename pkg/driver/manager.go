/*
Copyright 2021 Windmill Engineering.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package driver

import (
	"fmt"
	"sort"
	"sync"
)

// Manager holds drivers by name.
type Manager struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewManager creates a Manager with drivers registered.
func NewManager(drivers ...Driver) (*Manager, error) {
	m := &Manager{drivers: make(map[string]Driver)}
	for _, d := range drivers {
		if err := m.Register(d); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds d under d.Name().
func (m *Manager) Register(d Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := d.Name()
	if _, ok := m.drivers[name]; ok {
		return fmt.Errorf("driver %q already registered", name)
	}
	m.drivers[name] = d
	return nil
}

// Get returns the driver registered under name.
func (m *Manager) Get(name string) (Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[name]
	if !ok {
		return nil, fmt.Errorf("no driver named %q", name)
	}
	return d, nil
}

// Names returns registered driver names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.drivers))
	for name := range m.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
