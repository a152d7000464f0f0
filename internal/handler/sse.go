package handler

import (
	"bytes"
	"fmt"
	"io"
)

// Event is one server-sent event on the run stream.
type Event struct {
	ID    []byte
	Event []byte
	Data  []byte
}

func (ev *Event) MarshalTo(w io.Writer) error {
	if len(ev.Data) == 0 {
		return nil
	}

	if len(ev.ID) > 0 {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	if len(ev.Event) > 0 {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Event); err != nil {
			return err
		}
	}

	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}
