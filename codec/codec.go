/*
Package codec holds the CBOR encoding shared by the bus wire and the command
payloads.

Encoding is Core Deterministic (RFC 8949 section 4.2): the same value always
produces the same bytes. Decoding into interface{} yields map[string]interface{}
so that decoded payloads mix freely with JSON-shaped data.

Importing the package registers a gRPC codec under the content subtype
"cbor" and a gRPC compressor named "zstd".
*/
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

type RawMessage = cbor.RawMessage

func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Convert re-decodes an already decoded value into out, for payloads that
// arrived as interface{}.
func Convert(in interface{}, out interface{}) error {
	data, err := Marshal(in)
	if err != nil {
		return err
	}
	return Unmarshal(data, out)
}
