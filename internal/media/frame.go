// Package media provides image decoding and video encoding for raw pipeline output.
// Frames are interleaved RGB24 buffers; encoding muxes them into MP4 via ffmpeg.
package media

import "fmt"

// Frame is a single decoded image or generated video frame in RGB24 layout.
// Pix holds Width*Height*3 bytes, rows top to bottom.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// Size returns the expected byte length of the pixel buffer.
func (f *Frame) Size() int {
	return f.Width * f.Height * 3
}

// Valid reports whether the frame dimensions are positive and the buffer
// length matches them.
func (f *Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Size()
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{%dx%d, %d bytes}", f.Width, f.Height, len(f.Pix))
}
