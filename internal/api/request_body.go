package api

import (
	"bytes"
	"io"
	"os"
)

// spooledBody is a request body that can be read again from the start. Up
// to the memory limit it lives in a byte slice; larger bodies go to a temp
// file. Close is a no-op so the transport cannot drop the file early; the
// observer calls cleanup once the request is done.
type spooledBody struct {
	io.ReadSeeker
	head []byte
	size int64
	file *os.File
}

func (b *spooledBody) Close() error { return nil }

func (b *spooledBody) cleanup() {
	if b == nil || b.file == nil {
		return
	}
	name := b.file.Name()
	_ = b.file.Close()
	_ = os.Remove(name)
	b.file = nil
}

// spoolBody drains r. A read error is returned as is; the partial body is
// discarded.
func spoolBody(r io.Reader, memLimit int64) (*spooledBody, error) {
	if memLimit <= 0 {
		memLimit = 1 << 20
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, memLimit+1))
	if err != nil {
		return nil, err
	}
	if n <= memLimit {
		data := buf.Bytes()
		return &spooledBody{ReadSeeker: bytes.NewReader(data), head: data, size: n}, nil
	}

	f, err := os.CreateTemp("", "proxyguard-body-*")
	if err != nil {
		return nil, err
	}
	b := &spooledBody{head: buf.Bytes(), file: f}
	if _, err := f.Write(b.head); err != nil {
		b.cleanup()
		return nil, err
	}
	rest, err := io.Copy(f, r)
	if err != nil {
		b.cleanup()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		b.cleanup()
		return nil, err
	}
	b.ReadSeeker = f
	b.size = n + rest
	return b, nil
}
