/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package exterrors attaches structured context to errors without changing
// how they compare under errors.Is/errors.As.
package exterrors

import (
	"errors"
)

type fieldsErr struct {
	cause  error
	fields map[string]interface{}
}

func (e *fieldsErr) Error() string { return e.cause.Error() }
func (e *fieldsErr) Unwrap() error { return e.cause }

// WithFields returns an error that behaves exactly like err for comparison
// and unwrapping purposes but carries additional key/value context for
// structured logging.
func WithFields(err error, fields map[string]interface{}) error {
	if err == nil {
		return nil
	}
	var existing *fieldsErr
	if errors.As(err, &existing) {
		merged := make(map[string]interface{}, len(existing.fields)+len(fields))
		for k, v := range existing.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		return &fieldsErr{cause: err, fields: merged}
	}
	return &fieldsErr{cause: err, fields: fields}
}

// Fields returns the structured context attached to err via WithFields,
// walking the Unwrap chain and merging outer-over-inner.
func Fields(err error) map[string]interface{} {
	out := map[string]interface{}{}
	chain := []map[string]interface{}{}
	for err != nil {
		var fe *fieldsErr
		if errors.As(err, &fe) {
			chain = append(chain, fe.fields)
		}
		err = errors.Unwrap(err)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i] {
			out[k] = v
		}
	}
	return out
}

// Temporary is implemented by errors (notably *net.OpError, and the
// syscall.Errno an *os.PathError wraps) that indicate the operation may
// succeed if retried.
type Temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err, or anything in its Unwrap chain,
// indicates a transient failure. Used to decide between mailbox.KindIO
// (retryable) and mailbox.KindCorrupt (needs operator attention).
func IsTemporary(err error) bool {
	for err != nil {
		if t, ok := err.(Temporary); ok {
			return t.Temporary()
		}
		err = errors.Unwrap(err)
	}
	return false
}
