// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"log/slog"
	"strings"
)

// slogger bridges log/slog records to one of our loggers.
type slogger struct {
	l     Logger
	attrs []slog.Attr
	group string
}

var _ slog.Handler = &slogger{}

// SetSlogLogger sets up the default logger for the slog package.
func SetSlogLogger(source string) {
	var l Logger

	if source == "" {
		l = Default()
	} else {
		l = log.get(source)
	}

	slog.SetDefault(slog.New(SlogHandler(l)))
}

// SlogHandler returns a slog.Handler which emits records using the given Logger.
func SlogHandler(l Logger) slog.Handler {
	return &slogger{l: l}
}

func (s *slogger) Enabled(_ context.Context, level slog.Level) bool {
	switch {
	case level < slog.LevelInfo:
		return s.l.DebugEnabled()
	case level < slog.LevelWarn:
		return log.passes(LevelInfo)
	case level < slog.LevelError:
		return log.passes(LevelWarn)
	}
	return true
}

func (s *slogger) Handle(_ context.Context, r slog.Record) error {
	msg := strings.Builder{}
	msg.WriteString(r.Message)

	write := func(a slog.Attr) {
		msg.WriteByte(' ')
		if s.group != "" {
			msg.WriteString(s.group + ".")
		}
		msg.WriteString(a.Key + "=" + a.Value.String())
	}
	for _, a := range s.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})

	switch {
	case r.Level < slog.LevelInfo:
		s.l.Debug("%s", msg.String())
	case r.Level < slog.LevelWarn:
		s.l.Info("%s", msg.String())
	case r.Level < slog.LevelError:
		s.l.Warn("%s", msg.String())
	default:
		s.l.Error("%s", msg.String())
	}
	return nil
}

func (s *slogger) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &slogger{
		l:     s.l,
		attrs: append(append([]slog.Attr{}, s.attrs...), attrs...),
		group: s.group,
	}
}

func (s *slogger) WithGroup(name string) slog.Handler {
	group := name
	if s.group != "" {
		group = s.group + "." + name
	}
	return &slogger{l: s.l, attrs: s.attrs, group: group}
}
