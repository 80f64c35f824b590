package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/go-logfmt/logfmt"
)

// TextOutlet writes human-readable entries, one per line.
type TextOutlet struct {
	mtx sync.Mutex
	w   io.Writer
}

func NewTextOutlet(w io.Writer) *TextOutlet {
	return &TextOutlet{w: w}
}

func (o *TextOutlet) WriteEntry(e Entry) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s [%s]: %s", e.Time.Format("2006-01-02T15:04:05.000000"), e.Level, e.Message)
	for _, k := range sortedKeys(e.Fields) {
		fmt.Fprintf(&buf, " %s=%q", k, fmt.Sprint(e.Fields[k]))
	}
	buf.WriteByte('\n')
	o.mtx.Lock()
	defer o.mtx.Unlock()
	_, err := o.w.Write(buf.Bytes())
	return err
}

// LogfmtOutlet encodes entries as logfmt records.
type LogfmtOutlet struct {
	mtx sync.Mutex
	w   io.Writer
}

func NewLogfmtOutlet(w io.Writer) *LogfmtOutlet {
	return &LogfmtOutlet{w: w}
}

func (o *LogfmtOutlet) WriteEntry(e Entry) error {
	var buf bytes.Buffer
	enc := logfmt.NewEncoder(&buf)
	if err := enc.EncodeKeyval("ts", e.Time); err != nil {
		return err
	}
	if err := enc.EncodeKeyval("level", e.Level.String()); err != nil {
		return err
	}
	if err := enc.EncodeKeyval("msg", e.Message); err != nil {
		return err
	}
	for _, k := range sortedKeys(e.Fields) {
		if err := enc.EncodeKeyval(k, e.Fields[k]); err != nil {
			// unencodable value, fall back to Sprint
			if err := enc.EncodeKeyval(k, fmt.Sprint(e.Fields[k])); err != nil {
				return err
			}
		}
	}
	if err := enc.EndRecord(); err != nil {
		return err
	}
	o.mtx.Lock()
	defer o.mtx.Unlock()
	_, err := o.w.Write(buf.Bytes())
	return err
}

func sortedKeys(f Fields) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewStderrDebugLogger is intended for tests and scratch tools.
func NewStderrDebugLogger() Logger {
	return NewLogger(NewTextOutlet(os.Stderr), Debug)
}

type nullOutlet struct{}

func (nullOutlet) WriteEntry(Entry) error { return nil }

type nullLogger struct{}

var _ Logger = nullLogger{}

// NewNullLogger discards everything.
func NewNullLogger() Logger { return nullLogger{} }

func (n nullLogger) WithField(string, interface{}) Logger { return n }
func (n nullLogger) WithFields(Fields) Logger             { return n }
func (n nullLogger) WithError(error) Logger               { return n }
func (nullLogger) Debug(string)                           {}
func (nullLogger) Info(string)                            {}
func (nullLogger) Warn(string)                            {}
func (nullLogger) Error(string)                           {}
func (nullLogger) Printf(string, ...interface{})          {}
