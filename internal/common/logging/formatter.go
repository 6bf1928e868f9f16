package logging

import (
	"bytes"

	log "github.com/sirupsen/logrus"
)

// CommandLineFormatter prints bare messages, prefixing warnings and errors with the level so they
// stand out from command output.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b bytes.Buffer
	if entry.Level <= log.WarnLevel {
		b.WriteString(entry.Level.String())
		b.WriteString(": ")
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}
