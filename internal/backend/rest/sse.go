package rest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ensemblehq/ensemble/internal/backend"
)

// parseEventStream decodes "data: <json>" lines from body into reply deltas.
// The channel closes after the [DONE] sentinel or EOF. A stream that ends any
// other way yields a terminal delta carrying the error: a truncated reply
// must never look like a clean close. Callers still check their context after
// draining, which covers the one case where a cancelled consumer stopped
// receiving and the terminal delta had to be dropped.
func parseEventStream(ctx context.Context, body io.ReadCloser) <-chan backend.Delta {
	ch := make(chan backend.Delta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		fail := func(err error) {
			d := backend.Delta{Err: fmt.Errorf("reply stream interrupted: %w", err)}
			if ctx.Err() != nil {
				// The consumer may already have abandoned a cancelled call;
				// never block on it.
				select {
				case ch <- d:
				default:
				}
				return
			}
			ch <- d
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}

			line := scanner.Bytes()
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			var d invokeDelta
			if err := json.Unmarshal(data, &d); err != nil {
				// Skip unparseable events.
				continue
			}
			if d.Text == "" {
				continue
			}

			select {
			case ch <- backend.Delta{Text: d.Text}:
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
		}
		if err := scanner.Err(); err != nil {
			fail(err)
			return
		}
		if err := ctx.Err(); err != nil {
			fail(err)
		}
	}()
	return ch
}
