package chain

import (
	"errors"
	"fmt"
)

var ErrUnknownChain = errors.New("unknown chain")

// Directory resolves adapters by name. A match records the name of the
// adapter it was created on and every later operation goes through it.
type Directory struct {
	adapters map[string]Adapter
	names    []string
}

func NewDirectory(adapters ...Adapter) (*Directory, error) {
	if len(adapters) == 0 {
		return nil, errors.New("at least one chain adapter is required")
	}

	d := &Directory{
		adapters: make(map[string]Adapter, len(adapters)),
		names:    make([]string, 0, len(adapters)),
	}

	for _, a := range adapters {
		if _, ok := d.adapters[a.Name()]; ok {
			return nil, fmt.Errorf("duplicate chain adapter %q", a.Name())
		}

		d.adapters[a.Name()] = a
		d.names = append(d.names, a.Name())
	}

	return d, nil
}

func (d *Directory) Get(name string) (Adapter, error) {
	if name == "" {
		return d.adapters[d.names[0]], nil
	}

	a, ok := d.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, name)
	}

	return a, nil
}

// Default is the first adapter the directory was built with.
func (d *Directory) Default() Adapter {
	return d.adapters[d.names[0]]
}

func (d *Directory) Names() []string {
	return append([]string(nil), d.names...)
}
