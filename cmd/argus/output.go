package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/yairfalse/argus/types"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

// readEvents decodes a single event or an array of events from path, or
// from stdin when path is "-".
func readEvents(path string, stdin io.Reader) ([]*types.Event, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) // #nosec G304 -- path is operator supplied
	}
	if err != nil {
		return nil, fmt.Errorf("read events %s: %w", path, err)
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var events []*types.Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode events %s: %w", path, err)
		}
		return events, nil
	}
	var event types.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", path, err)
	}
	return []*types.Event{&event}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func checkFormat(format string) error {
	if format != formatTable && format != formatJSON {
		return fmt.Errorf("unknown output format %q (want table or json)", format)
	}
	return nil
}
