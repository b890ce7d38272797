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

// Package log provides the structured logging facade used across gumdrop.
//
// Logger is a small value type, not an interface, so it can be embedded and
// copied freely (e.g. into a per-connection Session) the way framework
// packages pass it around in the teacher codebase. It is backed by a shared
// zap.Logger so all instances share sinks and level configuration; Name and
// Debug only affect how a particular Logger tags its own records.
package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gumdrop-mail/gumdrop/framework/exterrors"
)

// Logger is a named, optionally-debug logging handle.
type Logger struct {
	Name  string
	Debug bool
}

// DefaultLogger is used by packages that were not handed a Logger explicitly
// (e.g. a library-style helper called during early initialization).
var DefaultLogger = Logger{Name: "gumdrop"}

var (
	baseMu   sync.RWMutex
	base     *zap.Logger
	initOnce sync.Once
)

func ensureBase() *zap.Logger {
	initOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err := cfg.Build(zap.AddCallerSkip(2))
		if err != nil {
			l = zap.NewNop()
		}
		baseMu.Lock()
		base = l
		baseMu.Unlock()
	})
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// SetBackend replaces the shared zap.Logger. Used by tests to capture
// output and by cmd/gumdropctl to switch to a development (console)
// encoder when run interactively.
func SetBackend(l *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = l
}

func (l Logger) fields(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2+1)
	fields = append(fields, zap.String("component", l.Name))
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

// Printf logs an informational message.
func (l Logger) Printf(format string, args ...interface{}) {
	ensureBase().Info(fmt.Sprintf(format, args...), zap.String("component", l.Name))
}

// Println logs an informational message without format verbs.
func (l Logger) Println(args ...interface{}) {
	ensureBase().Info(fmt.Sprint(args...), zap.String("component", l.Name))
}

// Debugf logs a message at debug level only when l.Debug is set; with
// l.Debug false it returns without formatting anything.
func (l Logger) Debugf(format string, args ...interface{}) {
	if !l.Debug {
		return
	}
	ensureBase().Debug(fmt.Sprintf(format, args...), zap.String("component", l.Name))
}

// DebugMsg logs a structured debug event with key/value pairs, mirroring
// the (msg string, kv ...interface{}) shape used across the teacher's
// endpoints (e.g. "using mapped username for storage", "username", u).
func (l Logger) DebugMsg(msg string, kv ...interface{}) {
	if !l.Debug {
		return
	}
	ensureBase().Debug(msg, l.fields(kv)...)
}

// Error logs a failure with its cause and optional structured context.
// Fields attached to err via exterrors.WithFields are merged in.
func (l Logger) Error(msg string, err error, kv ...interface{}) {
	fields := l.fields(kv)
	for k, v := range exterrors.Fields(err) {
		fields = append(fields, zap.Any(k, v))
	}
	fields = append(fields, zap.Error(err))
	ensureBase().Error(msg, fields...)
}

// Write implements io.Writer so a Logger can be handed to APIs (such as
// popgun.Server.ErrorLog in the teacher codebase) that want a *log.Logger or
// io.Writer for diagnostic text.
func (l Logger) Write(p []byte) (int, error) {
	ensureBase().Info(string(p), zap.String("component", l.Name))
	return len(p), nil
}
