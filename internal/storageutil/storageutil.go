package storageutil

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
)

// ErrObjectNotFound indicates an object was not found.
var ErrObjectNotFound = errors.New("object not found")

const timeout = 5 * time.Second

type (
	ReadSizeCloser interface {
		io.Reader
		io.Closer
		Size() int64
	}

	// ObjectHandler provides common interface for multiple storage providers.
	ObjectHandler interface {
		// Put writes a file to the storage provider with name being the path.
		Put(ctx context.Context, name string) (io.WriteCloser, error)
		// Get reads a file from the storage provider with name being the path.
		// If a key was not found, it will return ErrObjectNotFound.
		Get(ctx context.Context, name string) (ReadSizeCloser, error)
	}

	// ReadJob loads one object and sends a ReadJobResult on its result
	// channel.
	ReadJob interface {
		Read()
	}

	ReadJobResult interface {
		Error() error
	}
)

// CompressedWrite compresses what encode writes and stores it under
// objectName.
func CompressedWrite(ctx context.Context, h ObjectHandler, objectName string, encode func(io.Writer) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ow, err := h.Put(ctx, objectName)
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(ow)
	_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level9))
	if err := encode(zw); err != nil {
		_ = ow.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = ow.Close()
		return err
	}
	return ow.Close()
}

// CompressedRead decompresses the object stored under objectName and hands
// it to decode.
func CompressedRead(ctx context.Context, h ObjectHandler, objectName string, decode func(io.Reader) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	or, err := h.Get(ctx, objectName)
	if err != nil {
		return err
	}
	defer or.Close()
	return decode(lz4.NewReader(or))
}

// CompressedWriteJSON compresses and writes d as JSON.
func CompressedWriteJSON(ctx context.Context, h ObjectHandler, objectName string, d interface{}) error {
	return CompressedWrite(ctx, h, objectName, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(d)
	})
}

// UnmarshalCompressed reads compressed JSON data and unmarshals it.
func UnmarshalCompressed(ctx context.Context, h ObjectHandler, objectName string, d interface{}) error {
	return CompressedRead(ctx, h, objectName, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(d)
	})
}

// ReadAll runs jobs concurrently, at most workers at a time. Result channels
// of the jobs need room for every result.
func ReadAll(jobs []ReadJob, workers int) {
	if workers < 1 {
		workers = 1
	}
	queue := make(chan ReadJob, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			for j := range queue {
				j.Read()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}
