// Package codec is the CBOR encoding used on the execution socket
// transports. Encoding is core deterministic (sorted keys, shortest
// integers), and any-typed maps decode as map[string]any so they mix freely
// with JSON-shaped data.
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
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  32,
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

type (
	Encoder = cbor.Encoder
	Decoder = cbor.Decoder
)

// NewEncoder writes a stream of CBOR values to w.
func NewEncoder(w io.Writer) *Encoder { return encMode.NewEncoder(w) }

// NewDecoder reads a stream of self-delimiting CBOR values from r.
func NewDecoder(r io.Reader) *Decoder { return decMode.NewDecoder(r) }
