package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dreamware/layoutd/internal/design"
	"github.com/dreamware/layoutd/internal/task"
)

// parseTask turns one task line into a task.
func parseTask(line string) (task.Task, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return nil, fmt.Errorf("empty task line")
	}
	arg := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	want := func(min, max int) error {
		if n := len(f) - 1; n < min || n > max {
			return fmt.Errorf("%s: got %d arguments", f[0], n)
		}
		return nil
	}

	switch f[0] {
	case "set":
		if err := want(2, 2); err != nil {
			return nil, err
		}
		return &design.SetProperty{Key: f[1], Value: f[2]}, nil
	case "delete":
		if err := want(1, 1); err != nil {
			return nil, err
		}
		return &design.DeleteProperty{Key: f[1]}, nil
	case "get":
		if err := want(1, 1); err != nil {
			return nil, err
		}
		return &design.GetProperty{Key: f[1]}, nil
	case "count":
		if err := want(0, 1); err != nil {
			return nil, err
		}
		return &design.CountKeys{Prefix: arg(1)}, nil
	case "scan":
		if err := want(1, 2); err != nil {
			return nil, err
		}
		return &design.ScanKeys{Prefix: f[1], Match: arg(2)}, nil
	case "undo":
		if err := want(0, 0); err != nil {
			return nil, err
		}
		return &design.UndoLast{}, nil
	default:
		return nil, fmt.Errorf("unknown task %q", f[0])
	}
}

// readTasks parses the -e lines, or stdin when there are none. Blank lines
// and lines starting with # are skipped.
func readTasks(lines []string, stdin io.Reader) ([]task.Task, error) {
	if len(lines) == 0 {
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	var out []task.Task
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := parseTask(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// report prints one line per finished task and returns the task failure, if
// any.
func report(w io.Writer, t task.Task, out *task.Outcome) error {
	body, err := json.Marshal(t)
	if err != nil {
		body = []byte("{}")
	}
	name := t.Info().Name
	if out.Failure != nil {
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, out.Failure.Kind, out.Failure.Message)
		return out.Failure
	}
	fmt.Fprintf(w, "%s\tok\t%s\n", name, body)
	return nil
}
