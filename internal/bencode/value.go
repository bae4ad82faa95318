package bencode

// Value is one bencoded value. The four concrete kinds are Integer, Bytes,
// List and Dict; consumers switch over them exhaustively.
type Value interface {
	value()
}

type Integer int64

// Bytes holds a raw byte string. Bencode strings are arbitrary bytes, they
// are not guaranteed to be text.
type Bytes []byte

type List []Value

// Dict maps raw byte-string keys to values. Keys are unique.
type Dict map[string]Value

func (Integer) value() {}
func (Bytes) value()   {}
func (List) value()    {}
func (Dict) value()    {}

// Lookup returns the value for key and whether it was present.
func (d Dict) Lookup(key string) (Value, bool) {
	v, ok := d[key]
	return v, ok
}
