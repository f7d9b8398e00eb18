package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

type field struct {
	name  string
	index int
}

// Exported fields of a struct type ordered by their bencode key.
func structFields(t reflect.Type) ([]field, error) {
	fields := make([]field, 0, t.NumField())
	for i := 0; i != t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "" {
			return nil, fmt.Errorf("bencode: expected tag on %s.%s", t.Name(), f.Name)
		}
		fields = append(fields, field{name: tag, index: i})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	for i := 1; i < len(fields); i++ {
		if fields[i].name == fields[i-1].name {
			return nil, fmt.Errorf("bencode: duplicate key %q on %s", fields[i].name, t.Name())
		}
	}
	return fields, nil
}

type sortedKeys []reflect.Value

func (s sortedKeys) Len() int      { return len(s) }
func (s sortedKeys) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s sortedKeys) Less(i, j int) bool {
	switch s[i].Kind() {
	case reflect.String:
		return s[i].String() < s[j].String()
	case reflect.Uint64, reflect.Uint32, reflect.Uint8:
		return s[i].Uint() < s[j].Uint()
	case reflect.Array:
		for x := 0; x != s[i].Len(); x++ {
			ei, ej := s[i].Index(x).Uint(), s[j].Index(x).Uint()
			if ei != ej {
				return ei < ej
			}
		}
		return false
	default:
		panic(fmt.Sprintf("bencode: cannot sort map keys of kind %s", s[i].Kind()))
	}
}

// Serialize a ptr to a bencode-encoded byte-slice.
func Serialize(s interface{}) ([]byte, error) {
	val := reflect.ValueOf(s)
	if !val.IsValid() || val.Kind() != reflect.Ptr || val.IsNil() {
		return nil, errors.New("bencode: expected a non-nil pointer")
	}
	w := &writer{}
	if err := w.writeValue(val.Elem()); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) writeBytes(b []byte) {
	w.buf.WriteString(strconv.Itoa(len(b)))
	w.buf.WriteByte(bytesLengthSep)
	w.buf.Write(b)
}

func (w *writer) writeInt(n int64) {
	w.buf.WriteByte(numberStart)
	w.buf.WriteString(strconv.FormatInt(n, 10))
	w.buf.WriteByte(bencodeEnd)
}

func (w *writer) writeUint(n uint64) {
	w.buf.WriteByte(numberStart)
	w.buf.WriteString(strconv.FormatUint(n, 10))
	w.buf.WriteByte(bencodeEnd)
}

func (w *writer) writeValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			w.writeUint(1)
		} else {
			w.writeUint(0)
		}
	case reflect.Int, reflect.Int8, reflect.Int32, reflect.Int64:
		w.writeInt(v.Int())
	case reflect.Uint8, reflect.Uint32, reflect.Uint64:
		w.writeUint(v.Uint())
	case reflect.String:
		w.writeBytes([]byte(v.String()))
	case reflect.Array, reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			w.writeBytes(b)
			return nil
		}
		w.buf.WriteByte(listStart)
		for i := 0; i != v.Len(); i++ {
			if err := w.writeValue(v.Index(i)); err != nil {
				return err
			}
		}
		w.buf.WriteByte(bencodeEnd)
	case reflect.Map:
		w.buf.WriteByte(dictStart)
		keys := v.MapKeys()
		sort.Sort(sortedKeys(keys))
		for _, k := range keys {
			if err := w.writeValue(k); err != nil {
				return err
			}
			if err := w.writeValue(v.MapIndex(k)); err != nil {
				return err
			}
		}
		w.buf.WriteByte(bencodeEnd)
	case reflect.Struct:
		return w.writeStruct(v)
	case reflect.Pointer:
		if v.IsNil() {
			return errors.New("bencode: cannot write a nil pointer outside of a struct field")
		}
		return w.writeValue(v.Elem())
	default:
		return fmt.Errorf("bencode: unsupported kind %s", v.Kind())
	}
	return nil
}

func (w *writer) writeStruct(v reflect.Value) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return err
	}
	w.buf.WriteByte(dictStart)
	for _, f := range fields {
		fv := v.Field(f.index)
		if fv.Kind() == reflect.Pointer && fv.IsNil() {
			continue
		}
		w.writeBytes([]byte(f.name))
		if err := w.writeValue(fv); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	w.buf.WriteByte(bencodeEnd)
	return nil
}
