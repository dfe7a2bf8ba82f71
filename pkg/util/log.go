package util

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	LogComponentField = "component"

	LogFormatText = "text"
	LogFormatJSON = "json"

	defaultLogComponent = "usblink"
)

type ComponentFormatter struct {
	*logrus.TextFormatter
}

// SetUpLogger configures the global logrus logger. Text output is prefixed
// with the component field of each entry.
func SetUpLogger(format string, debug bool) error {
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	switch format {
	case "", LogFormatText:
		logrus.SetFormatter(ComponentFormatter{
			TextFormatter: &logrus.TextFormatter{
				FullTimestamp: true,
			},
		})
	case LogFormatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format %v", format)
	}
	return nil
}

func (l ComponentFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	component := defaultLogComponent
	if v, ok := entry.Data[LogComponentField]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field %v must be a string", LogComponentField)
		}
		component = s
	}

	data := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		if k != LogComponentField {
			data[k] = v
		}
	}
	e := &logrus.Entry{
		Logger:  entry.Logger,
		Data:    data,
		Time:    entry.Time,
		Level:   entry.Level,
		Caller:  entry.Caller,
		Message: entry.Message,
	}

	msg, err := l.TextFormatter.Format(e)
	if err != nil {
		return nil, err
	}
	logMsg := &bytes.Buffer{}
	logMsg.WriteString("[" + component + "] ")
	logMsg.Write(msg)
	return logMsg.Bytes(), nil
}
