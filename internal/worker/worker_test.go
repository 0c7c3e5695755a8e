package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/andresmejia3/rollcall/internal/embed"
	"github.com/andresmejia3/rollcall/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// newMockWorker returns a worker whose data pipe already holds payload as one framed response.
func newMockWorker(payload []byte) (*EmbedWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	binary.Write(dataPipeMock, binary.BigEndian, uint32(len(payload)))
	dataPipeMock.Write(payload)

	// Cmd is nil because we aren't testing process management, just the protocol
	return &EmbedWorker{Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func TestEmbed(t *testing.T) {
	// Protocol: [Status:0] [Dim] [Vec]
	want := types.Embedding{0.5, -0.25, 0.125}
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(len(want)))
	binary.Write(payload, binary.BigEndian, []float32(want))

	w, stdinMock := newMockWorker(payload.Bytes())

	face := image.NewRGBA(image.Rect(0, 0, 8, 8))
	got, err := w.Embed(face)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("Expected %d floats, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	// Verify Go sent a framed PNG TO the child
	sent := stdinMock.Bytes()
	if len(sent) < 4 {
		t.Fatalf("Expected a length header, got %d bytes", len(sent))
	}
	n := binary.BigEndian.Uint32(sent[:4])
	if int(n) != len(sent)-4 {
		t.Errorf("Header says %d bytes, body has %d", n, len(sent)-4)
	}
	img, err := png.Decode(bytes.NewReader(sent[4:]))
	if err != nil {
		t.Fatalf("Request body is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("Expected 8px wide crop, got %d", img.Bounds().Dx())
	}
}

func TestEmbed_Error(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	errMsg := "Python Exception: Import Error"
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w, _ := newMockWorker(payload.Bytes())

	_, err := w.Embed(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "embedding worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "embedding worker error: "+errMsg, err)
	}
}

func TestDecodeResponse_Malformed(t *testing.T) {
	zeros := new(bytes.Buffer)
	zeros.WriteByte(0)
	binary.Write(zeros, binary.BigEndian, uint32(2))
	binary.Write(zeros, binary.BigEndian, []float32{0, 0})

	tests := []struct {
		name string
		resp []byte
	}{
		{"empty", nil},
		{"short header", []byte{0, 0, 0}},
		{"unknown status", []byte{7, 0, 0, 0, 0}},
		{"length mismatch", []byte{0, 0, 0, 0, 2, 0, 0, 0, 0}},
		{"truncated message", []byte{1, 0, 0, 0, 9, 'o', 'o', 'p', 's'}},
		{"all zeros", zeros.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeResponse(tt.resp); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}

	if _, err := decodeResponse(zeros.Bytes()); !errors.Is(err, embed.ErrDegenerateEmbedding) {
		t.Errorf("Expected degenerate embedding error, got %v", err)
	}
}

func TestCommunicate_OversizedResponse(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipeMock, binary.BigEndian, uint32(maxResponse+1))

	w := &EmbedWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.Communicate([]byte("x")); err == nil {
		t.Fatal("Expected error for oversized response")
	}
}
