/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package report

import (
	"errors"
	"fmt"
)

// escape decoding errors
var (
	ErrTrailingBackslash = errors.New("illegal backslash at the end of the format")
	ErrUnknownEscape     = errors.New("unrecognized escape sequence")
)

var escapes = map[byte]byte{
	'a':  '\a',
	'\\': '\\',
	'b':  '\b',
	'r':  '\r',
	'"':  '"',
	'f':  '\f',
	't':  '\t',
	'n':  '\n',
	'0':  0,
	'\'': '\'',
	'v':  '\v',
	'?':  '?',
}

// DecodeEscapes replaces escape sequences in b in place and returns the shortened slice.
// b is garbage after an error.
func DecodeEscapes(b []byte) ([]byte, error) {
	w := 0
	for r := 0; r < len(b); r++ {
		c := b[r]
		if c != '\\' {
			b[w] = c
			w++
			continue
		}
		if r+1 >= len(b) {
			return nil, ErrTrailingBackslash
		}
		r++
		repl, ok := escapes[b[r]]
		if !ok {
			return nil, fmt.Errorf("%w \\%c", ErrUnknownEscape, b[r])
		}
		b[w] = repl
		w++
	}
	return b[:w], nil
}
