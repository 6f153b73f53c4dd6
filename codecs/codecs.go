// Package codecs implements the compression codecs used for documents which
// overflow the inline DATA column, and stored in the binary BDATA column.
package codecs

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Codec enumerates supported overflow compression codecs.
type Codec int

const (
	// None stores the serialized document uncompressed.
	None Codec = iota
	// Gzip compresses with GZIP at its fastest level. It's the default.
	Gzip
	// Snappy compresses as a framed Snappy stream.
	Snappy
	// Zstandard compresses with Zstandard, if enabled at compile time.
	Zstandard
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	case Zstandard:
		return "zstd"
	default:
		return fmt.Sprintf("Codec(%d)", int(c))
	}
}

// ParseCodec parses the String form of a Codec.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "none":
		return None, nil
	case "gzip", "":
		return Gzip, nil
	case "snappy":
		return Snappy, nil
	case "zstd", "zstandard":
		return Zstandard, nil
	default:
		return None, fmt.Errorf("unsupported codec %q", s)
	}
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return ioutil.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return ioutil.NopCloser(snappy.NewReader(r)), nil
	case Zstandard:
		return zstdNewReader(r)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriterLevel(w, gzip.BestSpeed)
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstandard:
		return zstdNewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// Sniff returns the Codec of |b|, as determined by its leading magic bytes.
// Content not matching any compressed format is None.
func Sniff(b []byte) Codec {
	switch {
	case bytes.HasPrefix(b, gzipMagic):
		return Gzip
	case bytes.HasPrefix(b, zstdMagic):
		return Zstandard
	case bytes.HasPrefix(b, snappyMagic):
		return Snappy
	default:
		return None
	}
}

// Encode compresses |b| with the Codec.
func Encode(b []byte, codec Codec) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(b) / 2)

	var w, err = NewCodecWriter(&buf, codec)
	if err != nil {
		return nil, err
	} else if _, err = w.Write(b); err != nil {
		return nil, err
	} else if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decompresses |b|, which may be encoded with any Codec.
func Decode(b []byte) ([]byte, error) {
	var r, err = NewCodecReader(bytes.NewReader(b), Sniff(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return ioutil.ReadAll(r)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")

	zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
	zstdNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
)
