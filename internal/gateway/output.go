package gateway

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

const truncationMarker = "\n... [output truncated]\n"

// cappedWriter keeps the first limit bytes of a stream, mirrors them to an
// optional live writer and then appends the truncation marker once. It never
// returns an error, so a chatty process is never blocked on its pipe.
type cappedWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	live      io.Writer
	limit     int
	total     int
	truncated bool
}

func newCappedWriter(limit int, live io.Writer) *cappedWriter {
	return &cappedWriter{limit: limit, live: live}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	w.total += n
	if w.truncated {
		return n, nil
	}

	room := w.limit - w.buf.Len()
	chunk := p
	if len(chunk) > room {
		chunk = chunk[:room]
		w.truncated = true
	}
	w.buf.Write(chunk)
	w.mirror(chunk)
	if w.truncated {
		w.buf.WriteString(truncationMarker)
		w.mirror([]byte(truncationMarker))
	}
	return n, nil
}

func (w *cappedWriter) mirror(p []byte) {
	if w.live == nil || len(p) == 0 {
		return
	}
	if _, err := w.live.Write(p); err != nil {
		// The consumer went away; keep collecting for the result.
		w.live = nil
	}
}

func (w *cappedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Total is the number of bytes the process produced, kept or not.
func (w *cappedWriter) Total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

func (w *cappedWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

// Environment contract between the gateway and the in-container wrapper.
const (
	envCommand = "LAB_EXEC_CMD"
	envPidfile = "LAB_EXEC_PIDFILE"
)

// runScript starts $LAB_EXEC_CMD as the leader of a new session, records
// its pid and waits for it. Without setsid the command still runs, but a
// kill only reaches its direct process.
const runScript = `if command -v setsid >/dev/null 2>&1; then
  setsid sh -c 'echo $$ > "$LAB_EXEC_PIDFILE"; exec sh -c "$LAB_EXEC_CMD"' &
else
  sh -c 'echo $$ > "$LAB_EXEC_PIDFILE"; exec sh -c "$LAB_EXEC_CMD"' &
fi
wait $!
code=$?
rm -f "$LAB_EXEC_PIDFILE"
exit $code`

// killScript sends SIGKILL to the process group recorded by runScript.
const killScript = `pid=$(cat "$LAB_EXEC_PIDFILE" 2>/dev/null) || exit 0
kill -KILL -"$pid" 2>/dev/null || kill -KILL "$pid" 2>/dev/null
rm -f "$LAB_EXEC_PIDFILE"
exit 0`

func pidfilePath(execID string) string {
	return fmt.Sprintf("/tmp/.lab-exec-%s.pid", execID)
}

func writeLive(w io.Writer, s string) {
	if w == nil || s == "" {
		return
	}
	_, _ = io.WriteString(w, s)
}
