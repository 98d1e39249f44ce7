package b2

import (
	"io"
	"os"
)

// SerializeCFrame returns the container's on-disk bytes verbatim: header,
// vlmeta block, and all present chunk data. This is already a
// self-describing "container frame" per spec.md's glossary, so
// serialization is just a bulk read of the backing file.
func (c *Container) SerializeCFrame() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(c.f)
}

// DeserializeCFrame writes a container frame's bytes to path and opens it,
// the inverse of SerializeCFrame.
func DeserializeCFrame(path string, frame []byte) (*Container, error) {
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		return nil, err
	}
	return Open(path)
}
