// Recorder, below, is a second and unrelated concern living in this
// package: an append-only JSONL session transcript, as opposed to the
// word-correction [Pipeline] the rest of this package implements. It is
// grouped here because both are "the record of what was said in a voice
// session" from the teacher's point of view, and SPEC_FULL.md's AMBIENT
// STACK section grounds the pipeline's session log on this package.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionHeaderVersion is the fixed schema version stamped on every new
// transcript file's header line.
const sessionHeaderVersion = 3

// sessionHeader is the first line of every transcript file.
type sessionHeader struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Cwd       string `json:"cwd"`
}

// ContentBlock is one block of a recorded message's content array. Only
// "text" blocks are produced by this package today, but the field exists
// so the on-disk schema matches richer producers.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// recordedMessage is the body of a "message"-type transcript line.
type recordedMessage struct {
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp string         `json:"timestamp"`
}

// messageLine is one "message"-type line in the transcript file.
type messageLine struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	ParentID  string          `json:"parentId,omitempty"`
	Timestamp string          `json:"timestamp"`
	Message   recordedMessage `json:"message"`
	Channel   string          `json:"channel,omitempty"`
}

// Recorder appends session turns to a JSONL file: a "session" header line
// followed by one "message" line per recorded turn. It is the pipeline's
// only durable, human-readable record of a voice session beyond the
// queue-state file and the gateway's own message history.
//
// Safe for concurrent use; writes are serialized and flushed immediately
// so a crash mid-session loses at most the in-flight write.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	lastID   string
	sequence int
}

// NewRecorder creates path (truncating any existing file) and writes the
// session header line. cwd is recorded verbatim for later debugging.
func NewRecorder(path, cwd string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %q: %w", path, err)
	}
	r := &Recorder{file: f, enc: json.NewEncoder(f)}

	header := sessionHeader{
		Type:      "session",
		Version:   sessionHeaderVersion,
		ID:        uuid.NewString(),
		Timestamp: nowRFC3339(),
		Cwd:       cwd,
	}
	if err := r.enc.Encode(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("transcript: write header: %w", err)
	}
	return r, nil
}

// Record appends one message turn for channel (empty for no specific
// channel context) and returns its generated message ID. Every recorded
// message's parentId is the previous call's ID, forming a linear chain;
// the first message in a session has an empty parentId.
func (r *Recorder) Record(role, text, channel string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequence++
	id := fmt.Sprintf("m-%d-%s", r.sequence, uuid.NewString()[:8])
	line := messageLine{
		Type:      "message",
		ID:        id,
		ParentID:  r.lastID,
		Timestamp: nowRFC3339(),
		Message: recordedMessage{
			Role:      role,
			Content:   []ContentBlock{{Type: "text", Text: text}},
			Timestamp: nowRFC3339(),
		},
		Channel: channel,
	}
	if err := r.enc.Encode(line); err != nil {
		return "", fmt.Errorf("transcript: write message: %w", err)
	}
	r.lastID = id
	return id, nil
}

// Close flushes and closes the underlying file. Idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
