package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// readSSE reads a server-sent event stream, calling onEvent with the joined
// data lines of every event. onActivity is called for every line received,
// comments included. A non-nil error from onEvent stops the read and is
// returned. io.EOF ends the stream; an event not closed by a blank line is
// incomplete and dropped.
func readSSE(r io.Reader, onActivity func(), onEvent func(data string) error) error {
	br := bufio.NewReader(r)
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		return onEvent(data)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if onActivity != nil {
			onActivity()
		}
		line = strings.TrimRight(line, "\r\n")

		// Blank line ends event.
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}

		appendField(&dataLines, line)
	}
}

// appendField records a data field. Comments, event names, ids and retry
// hints carry nothing this client acts on.
func appendField(dataLines *[]string, line string) {
	if strings.HasPrefix(line, "data:") {
		*dataLines = append(*dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
}
