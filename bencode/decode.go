package bencode

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
)

// Deserialize a byte-slice into the value pointed to by s. The whole input must be consumed.
func Deserialize(b []byte, s interface{}) error {
	val := reflect.ValueOf(s)
	if !val.IsValid() || val.Kind() != reflect.Ptr || val.IsNil() {
		return errors.New("bencode: expected a non-nil pointer")
	}
	r := &reader{buf: b}
	if err := r.readValue(val.Elem(), 0); err != nil {
		return err
	}
	if r.pos != len(r.buf) {
		return newDecodeError("%d trailing bytes", len(r.buf)-r.pos)
	}
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) peek() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, newDecodeError("unexpected end of input at %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) expect(c byte) error {
	p, err := r.peek()
	if err != nil {
		return err
	}
	if p != c {
		return newDecodeError("expected %q at %d, got %q", c, r.pos, p)
	}
	r.pos++
	return nil
}

// Returns the digits of an integer terminated by end, with the terminator consumed.
func (r *reader) readDigits(end byte) (string, error) {
	start := r.pos
	for {
		c, err := r.peek()
		if err != nil {
			return "", err
		}
		if c == end {
			s := string(r.buf[start:r.pos])
			r.pos++
			if s == "" {
				return "", newDecodeError("empty number at %d", start)
			}
			return s, nil
		}
		if (c < '0' || c > '9') && !(c == '-' && r.pos == start) {
			return "", newDecodeError("invalid digit %q at %d", c, r.pos)
		}
		r.pos++
	}
}

func (r *reader) readInt(bits int) (int64, error) {
	if err := r.expect(numberStart); err != nil {
		return 0, err
	}
	s, err := r.readDigits(bencodeEnd)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, bits)
	if err != nil {
		return 0, newDecodeError("invalid integer %q: %s", s, err)
	}
	return n, nil
}

func (r *reader) readUint(bits int) (uint64, error) {
	if err := r.expect(numberStart); err != nil {
		return 0, err
	}
	s, err := r.readDigits(bencodeEnd)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, newDecodeError("invalid unsigned integer %q: %s", s, err)
	}
	return n, nil
}

func (r *reader) readBytes() ([]byte, error) {
	s, err := r.readDigits(bytesLengthSep)
	if err != nil {
		return nil, err
	}
	l, err := strconv.Atoi(s)
	if err != nil || l < 0 {
		return nil, newDecodeError("invalid length %q", s)
	}
	if l > len(r.buf)-r.pos {
		return nil, newDecodeError("length %d exceeds remaining %d bytes", l, len(r.buf)-r.pos)
	}
	b := r.buf[r.pos : r.pos+l]
	r.pos += l
	return b, nil
}

// Skips over one value of any type.
func (r *reader) skip(depth int) error {
	if depth > maxDepth {
		return newDecodeError("nesting exceeds %d", maxDepth)
	}
	c, err := r.peek()
	if err != nil {
		return err
	}
	switch {
	case c == numberStart:
		r.pos++
		_, err := r.readDigits(bencodeEnd)
		return err
	case c == listStart || c == dictStart:
		r.pos++
		for {
			c, err := r.peek()
			if err != nil {
				return err
			}
			if c == bencodeEnd {
				r.pos++
				return nil
			}
			if err := r.skip(depth + 1); err != nil {
				return err
			}
		}
	case c >= '0' && c <= '9':
		_, err := r.readBytes()
		return err
	default:
		return newDecodeError("unexpected %q at %d", c, r.pos)
	}
}

func (r *reader) readValue(v reflect.Value, depth int) error {
	if depth > maxDepth {
		return newDecodeError("nesting exceeds %d", maxDepth)
	}
	switch v.Kind() {
	case reflect.Bool:
		n, err := r.readUint(8)
		if err != nil {
			return err
		}
		if n > 1 {
			return newDecodeError("invalid bool %d", n)
		}
		v.SetBool(n == 1)
	case reflect.Int, reflect.Int8, reflect.Int32, reflect.Int64:
		n, err := r.readInt(v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint8, reflect.Uint32, reflect.Uint64:
		n, err := r.readUint(v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		v.SetString(string(b))
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			if len(b) != v.Len() {
				return newDecodeError("expected %d bytes for %s, got %d", v.Len(), v.Type(), len(b))
			}
			reflect.Copy(v, reflect.ValueOf(b))
			return nil
		}
		if err := r.expect(listStart); err != nil {
			return err
		}
		for i := 0; i != v.Len(); i++ {
			if err := r.readValue(v.Index(i), depth+1); err != nil {
				return err
			}
		}
		return r.expect(bencodeEnd)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			// Empty decodes to nil, matching what an unset field encodes to.
			if len(b) == 0 {
				v.SetBytes(nil)
				return nil
			}
			c := make([]byte, len(b))
			copy(c, b)
			v.SetBytes(c)
			return nil
		}
		if err := r.expect(listStart); err != nil {
			return err
		}
		s := reflect.MakeSlice(v.Type(), 0, 0)
		for {
			c, err := r.peek()
			if err != nil {
				return err
			}
			if c == bencodeEnd {
				r.pos++
				break
			}
			e := reflect.New(v.Type().Elem()).Elem()
			if err := r.readValue(e, depth+1); err != nil {
				return err
			}
			s = reflect.Append(s, e)
		}
		if s.Len() == 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		v.Set(s)
	case reflect.Map:
		if err := r.expect(dictStart); err != nil {
			return err
		}
		m := reflect.MakeMap(v.Type())
		for {
			c, err := r.peek()
			if err != nil {
				return err
			}
			if c == bencodeEnd {
				r.pos++
				break
			}
			k := reflect.New(v.Type().Key()).Elem()
			if err := r.readValue(k, depth+1); err != nil {
				return err
			}
			e := reflect.New(v.Type().Elem()).Elem()
			if err := r.readValue(e, depth+1); err != nil {
				return err
			}
			m.SetMapIndex(k, e)
		}
		v.Set(m)
	case reflect.Struct:
		return r.readStruct(v, depth)
	case reflect.Pointer:
		e := reflect.New(v.Type().Elem())
		if err := r.readValue(e.Elem(), depth+1); err != nil {
			return err
		}
		v.Set(e)
	default:
		return fmt.Errorf("bencode: unsupported kind %s", v.Kind())
	}
	return nil
}

// Missing keys leave the field at its zero value. Unknown keys are skipped.
func (r *reader) readStruct(v reflect.Value, depth int) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return err
	}
	byName := make(map[string]int, len(fields))
	for _, f := range fields {
		byName[f.name] = f.index
	}
	if err := r.expect(dictStart); err != nil {
		return err
	}
	for {
		c, err := r.peek()
		if err != nil {
			return err
		}
		if c == bencodeEnd {
			r.pos++
			return nil
		}
		key, err := r.readBytes()
		if err != nil {
			return err
		}
		idx, ok := byName[string(key)]
		if !ok {
			if err := r.skip(depth + 1); err != nil {
				return err
			}
			continue
		}
		if err := r.readValue(v.Field(idx), depth+1); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
}
