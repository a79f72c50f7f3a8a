package expect

import (
	"io"
	"log/slog"

	"github.com/acolita/console-e2e/internal/logging"
)

const readChunkSize = 32 * 1024

// streamReader drains the subprocess output into a Buffer until the stream ends.
// It runs whether or not anyone is waiting, so the child never blocks on a full pipe.
type streamReader struct {
	src    io.Reader
	buf    *Buffer
	echo   io.Writer
	logger *slog.Logger
	done   chan struct{}
}

func startReader(src io.Reader, buf *Buffer, echo io.Writer, logger *slog.Logger) *streamReader {
	r := &streamReader{
		src:    src,
		buf:    buf,
		echo:   echo,
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *streamReader) run() {
	defer close(r.done)

	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.src.Read(chunk)
		if n > 0 {
			// Buffer.Write copies, so chunk can be reused and echoed afterwards.
			_, _ = r.buf.Write(chunk[:n])
			attrs := []any{
				slog.Int("bytes", n),
				slog.String("data", logging.Truncate(string(chunk[:n]), 200)),
			}
			if hasControl(chunk[:n]) {
				attrs = append(attrs, slog.String("hex", logging.HexDump(chunk[:n], 64)))
			}
			r.logger.Debug("output chunk", attrs...)
			r.mirror(chunk[:n])
		}
		if err != nil {
			r.logger.Debug("output stream ended", slog.String("reason", err.Error()))
			r.buf.CloseWithError(err)
			return
		}
	}
}

// hasControl reports whether p holds bytes other than printable text and
// ordinary line breaks, e.g. terminal escape sequences.
func hasControl(p []byte) bool {
	for _, c := range p {
		if (c < 0x20 && c != '\n' && c != '\r' && c != '\t') || c == 0x7f {
			return true
		}
	}
	return false
}

// mirror copies a chunk to the echo sink. A failing sink is dropped; it never
// affects what is buffered or matched.
func (r *streamReader) mirror(p []byte) {
	if r.echo == nil {
		return
	}
	if _, err := r.echo.Write(p); err != nil {
		r.logger.Warn("output echo disabled", slog.String("error", err.Error()))
		r.echo = nil
	}
}
