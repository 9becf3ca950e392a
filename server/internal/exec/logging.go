package exec

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WithLogging logs every command run through runner at debug level, along
// with each line the tool writes to stderr while it runs.
func WithLogging(runner CmdRunner, logger zerolog.Logger) CmdRunner {
	return func(ctx context.Context, cmd Cmd) (*Output, error) {
		if logger.GetLevel() > zerolog.DebugLevel {
			return runner(ctx, cmd)
		}

		name := cmd.Name
		lines := newLineWriter(func(line []byte) {
			logger.Debug().
				Str("tool", name).
				Bytes("line", line).
				Msg("tool stderr")
		})
		if cmd.Stderr != nil {
			cmd.Stderr = io.MultiWriter(cmd.Stderr, lines)
		} else {
			cmd.Stderr = lines
		}

		start := time.Now()
		out, err := runner(ctx, cmd)
		lines.Flush()

		logger.Debug().
			Err(err).
			Str("command", cmd.String()).
			Dur("took", time.Since(start)).
			Msg("ran tool")

		return out, err
	}
}

// lineWriter hands complete lines, without the newline, to emit. The
// trailing partial line is emitted by Flush.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line []byte)
}

func newLineWriter(emit func(line []byte)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	for {
		idx := bytes.IndexByte(p, '\n')
		if idx == -1 {
			w.buf.Write(p)
			return n, nil
		}
		w.buf.Write(p[:idx])
		w.emit(w.buf.Bytes())
		w.buf.Reset()
		p = p[idx+1:]
	}
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}
