// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"debug/elf"
	"errors"
	"io"
	"sort"

	"github.com/ianlancetaylor/demangle"

	"go.opentelemetry.io/crashunwind/libpf"
)

// symbol is a function of an image at its runtime address.
type symbol struct {
	name    string
	address libpf.Address
	size    uint64
}

// symbolMap resolves addresses to the functions of one image.
type symbolMap struct {
	// sorted by descending address
	symbols []symbol
}

func newSymbolMap(syms []symbol) *symbolMap {
	sort.Slice(syms, func(i, j int) bool {
		return syms[i].address > syms[j].address
	})
	return &symbolMap{symbols: syms}
}

// lookup returns the symbol covering addr. Symbols without a size extend up
// to the next symbol.
func (m *symbolMap) lookup(addr libpf.Address) (*symbol, bool) {
	if m == nil {
		return nil, false
	}
	i := sort.Search(len(m.symbols), func(i int) bool {
		return addr >= m.symbols[i].address
	})
	if i == len(m.symbols) {
		return nil, false
	}
	s := &m.symbols[i]
	if s.size != 0 && uint64(addr-s.address) >= s.size {
		return nil, false
	}
	return s, true
}

// functionSymbols keeps the defined function symbols, relocated by slide and
// with C++ and Rust names demangled.
func functionSymbols(syms []elf.Symbol, slide int64) []symbol {
	out := make([]symbol, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
			continue
		}
		out = append(out, symbol{
			name:    demangle.Filter(s.Name),
			address: libpf.Address(s.Value).Add(slide),
			size:    s.Size,
		})
	}
	return out
}

// readELFSymbols returns the function symbols of both the static and the
// dynamic symbol table. Stripped images have none.
func readELFSymbols(r io.ReaderAt, slide int64) ([]symbol, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	var out []symbol
	for _, read := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := read()
		if errors.Is(err, elf.ErrNoSymbols) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, functionSymbols(syms, slide)...)
	}
	return out, nil
}
