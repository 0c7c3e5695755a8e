package utils

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (worker logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints the formatted error box without exiting.
// Commands use it before returning the error to cobra.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 ROLLCALL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nWORKER LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Camera Input ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// FFmpegOptions controls how a camera or stream is decoded.
type FFmpegOptions struct {
	// FPS caps the output frame rate. Zero keeps the source rate.
	FPS int
	// Width and Height scale the output. Zero keeps the source size.
	Width  int
	Height int
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
// V4L2 device paths are opened with the v4l2 demuxer.
func NewFFmpegCmd(input string, opts FFmpegOptions) *exec.Cmd {
	// -hide_banner and -loglevel error keep the stderr buffer small
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(input, "/dev/video") {
		args = append(args, "-f", "v4l2")
	}
	args = append(args, "-i", input)

	var filters []string
	if opts.FPS > 0 {
		filters = append(filters, "fps="+strconv.Itoa(opts.FPS))
	}
	if opts.Width > 0 && opts.Height > 0 {
		filters = append(filters, fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return exec.Command("ffmpeg", args...)
}
