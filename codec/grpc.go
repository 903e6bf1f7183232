package codec

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// Name is the gRPC content subtype of the CBOR codec.
const Name = "cbor"

// CompressorName names the zstd gRPC compressor.
const CompressorName = "zstd"

func init() {
	encoding.RegisterCodec(grpcCodec{})
	encoding.RegisterCompressor(&zstdCompressor{})
}

type grpcCodec struct{}

func (grpcCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal %T: %w", v, err)
	}
	return data, nil
}

func (grpcCodec) Unmarshal(data []byte, v interface{}) error {
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal %T: %w", v, err)
	}
	return nil
}

func (grpcCodec) Name() string {
	return Name
}

type zstdCompressor struct {
	encoders sync.Pool
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if enc, ok := c.encoders.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return &pooledEncoder{Encoder: enc, pool: &c.encoders}, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{Encoder: enc, pool: &c.encoders}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &closingDecoder{dec: dec}, nil
}

func (c *zstdCompressor) Name() string {
	return CompressorName
}

type pooledEncoder struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (e *pooledEncoder) Close() error {
	err := e.Encoder.Close()
	e.pool.Put(e.Encoder)
	return err
}

// closingDecoder releases the decoder once the stream is drained.
type closingDecoder struct {
	dec  *zstd.Decoder
	done bool
}

func (d *closingDecoder) Read(p []byte) (int, error) {
	if d.done {
		return 0, io.EOF
	}
	n, err := d.dec.Read(p)
	if err != nil {
		d.done = true
		d.dec.Close()
	}
	return n, err
}
