// SPDX-License-Identifier: MIT
package live

import (
	"errors"
	"fmt"
	"path/filepath"
	"plugin"

	"livepv/pkg/spectral"
)

// PluginLoader opens Go plugins built against pkg/spectral.
type PluginLoader struct {
	Symbol string
}

func NewPluginLoader() *PluginLoader {
	return &PluginLoader{Symbol: spectral.Symbol}
}

// Load opens the artifact and binds its transform symbol. The symbol may be
// a function or a *spectral.TransformFunc variable.
func (l *PluginLoader) Load(artifact string) (*Module, error) {
	symbol := l.Symbol
	if symbol == "" {
		symbol = spectral.Symbol
	}
	p, err := plugin.Open(artifact)
	if err != nil {
		return nil, &LoadError{Artifact: artifact, Err: err}
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, &LoadError{Artifact: artifact, Symbol: symbol, Err: err}
	}
	fn, err := bindTransform(sym)
	if err != nil {
		return nil, &LoadError{Artifact: artifact, Symbol: symbol, Err: err}
	}

	// Go plugins cannot be unloaded; retirement only drops the reference.
	m := NewModule(filepath.Base(artifact), fn, nil)
	m.artifact = artifact
	return m, nil
}

var errNilTransform = errors.New("nil transform")

func bindTransform(sym any) (spectral.TransformFunc, error) {
	switch fn := sym.(type) {
	case func([]spectral.Bin, spectral.Params) []spectral.Bin:
		return fn, nil
	case spectral.TransformFunc:
		return fn, nil
	case *spectral.TransformFunc:
		if fn == nil || *fn == nil {
			return nil, errNilTransform
		}
		return *fn, nil
	case *func([]spectral.Bin, spectral.Params) []spectral.Bin:
		if fn == nil || *fn == nil {
			return nil, errNilTransform
		}
		return *fn, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", sym)
	}
}
