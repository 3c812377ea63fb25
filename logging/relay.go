package logging

import (
	"bytes"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Writer hands every JSON log line to send. Workers use it to forward their
// logs to the master.
type Writer struct {
	Send func(line []byte) error
}

// Write implements io.Writer. The line is copied before sending.
func (w Writer) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	if len(line) == 0 {
		return len(p), nil
	}
	if err := w.Send(bytes.Clone(line)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Relay re-emits a JSON log line received from a worker on log, at its
// original level and with its fields. Lines that are not JSON objects are
// logged as plain messages.
func Relay(log zerolog.Logger, line []byte) {
	if !gjson.ValidBytes(line) {
		log.Info().Msg(string(line))
		return
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		log.Info().Msg(string(line))
		return
	}
	level, err := zerolog.ParseLevel(doc.Get(zerolog.LevelFieldName).String())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	ev := log.WithLevel(level)
	if ev == nil {
		return
	}
	doc.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "app":
			return true
		}
		ev.Interface(key.String(), value.Value())
		return true
	})
	ev.Msg(doc.Get(zerolog.MessageFieldName).String())
}
