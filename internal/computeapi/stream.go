package computeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// sseChunkSize bounds one data frame. Chunks split on rune boundaries so a
// multi-byte character never straddles two events.
const sseChunkSize = 4096

// execStreamWorkspace runs a command and streams its output as SSE data
// frames. Newlines inside chunks are escaped as \n literals since SSE data
// lines are newline-delimited; the consumer unescapes. The stream ends with
// an exit frame and [DONE], or an ERROR: frame on failure.
func (s *Server) execStreamWorkspace(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkingDir == "" {
		req.WorkingDir = e.WorkDir
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(data string) {
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	exitCode, err := s.driver.ExecStream(r.Context(), e.HostID, e.ContainerID,
		req.Command, req.WorkingDir, time.Duration(req.TimeoutS)*time.Second,
		func(stream string, data []byte) {
			for _, chunk := range splitRuneChunks(string(data), sseChunkSize) {
				send(stream + ":" + escapeSSE(chunk))
			}
		})
	if err != nil {
		send("ERROR: " + err.Error())
		send("[DONE]")
		return
	}
	send(fmt.Sprintf("exit:%d", exitCode))
	send("[DONE]")
}

// escapeSSE makes a chunk safe for a single SSE data line.
func escapeSSE(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return strings.ReplaceAll(s, "\n", "\\n")
}

// UnescapeSSE reverses escapeSSE; used by the consuming client.
func UnescapeSSE(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case 'r':
				b.WriteByte('\r')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// splitRuneChunks splits s into chunks of at most max bytes without
// breaking a rune.
func splitRuneChunks(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}
	var chunks []string
	for len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}
