// Package worker runs the embedding model in a child process.
//
// Requests go to the child's stdin and responses come back on a dedicated pipe
// (fd 3), so anything the model prints to stdout or stderr cannot corrupt the
// stream. Both directions use the same framing: a big-endian uint32 length
// followed by that many bytes.
//
// Request body: a PNG-encoded face crop.
// Response body: status byte 0, uint32 dimension, dimension x float32 (big-endian);
// or status byte 1, uint32 message length, UTF-8 message.
package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/rollcall/internal/embed"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponse bounds a single response so a confused child cannot make us allocate gigabytes.
	maxResponse = 16 << 20
)

type EmbedWorker struct {
	mu       sync.Mutex
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewEmbedWorker starts name with args as the embedding child process.
func NewEmbedWorker(name string, args ...string) (*EmbedWorker, error) {
	py := utils.NewSafeCommand(name, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("embedding worker failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &EmbedWorker{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
func (w *EmbedWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a child that crashed on startup
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Embed sends a face crop to the child and decodes the embedding it returns.
func (w *EmbedWorker) Embed(face image.Image) (types.Embedding, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, face); err != nil {
		return nil, fmt.Errorf("encode face: %w", err)
	}

	w.mu.Lock()
	resp, err := w.Communicate(buf.Bytes())
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func decodeResponse(resp []byte) (types.Embedding, error) {
	if len(resp) < 5 {
		return nil, fmt.Errorf("short response (%d bytes)", len(resp))
	}
	status := resp[0]
	n := binary.BigEndian.Uint32(resp[1:5])
	body := resp[5:]

	switch status {
	case statusOK:
	case statusError:
		if uint64(n) > uint64(len(body)) {
			return nil, fmt.Errorf("truncated error message")
		}
		return nil, fmt.Errorf("embedding worker error: %s", body[:n])
	default:
		return nil, fmt.Errorf("unknown status byte %d", status)
	}

	if uint64(n)*4 != uint64(len(body)) {
		return nil, fmt.Errorf("response carries %d bytes for %d floats", len(body), n)
	}
	vec := make(types.Embedding, n)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.BigEndian.Uint32(body[i*4:]))
	}
	if err := embed.CheckEmbedding(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// Close shuts down the child. Buffered stderr stays available on Cmd for diagnostics.
func (w *EmbedWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
