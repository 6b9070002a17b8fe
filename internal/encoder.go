package internal

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/esbind"
)

// maxCastDepth bounds recursion into nested slices and maps.
const maxCastDepth = 32

// EncodeRecord builds the document for record from the type's cached fields.
func EncodeRecord(spec *esbind.TypeSpec, record esbind.Record) (esbind.Document, error) {
	if record == nil {
		return esbind.Document{}, esbind.NewEncodingError(esbind.ErrCodeUnsupportedValue, "record is nil").
			WithType(spec.Name())
	}

	fields := make(map[string]any, len(spec.CachedFields)+len(spec.Resolvers))
	for _, field := range spec.CachedFields {
		raw, ok := record.Value(field)
		if !ok {
			return esbind.Document{}, esbind.NewEncodingError(esbind.ErrCodeFieldNotFound,
				"declared cached field does not exist on the record").
				WithType(spec.Name()).WithDocument(record.ID()).WithField(field)
		}
		value, err := CastValue(raw, spec.Cast)
		if err != nil {
			return esbind.Document{}, annotateEncodingError(err, spec, record.ID(), field)
		}
		fields[field] = value
	}

	return esbind.Document{ID: record.ID(), Fields: fields}, nil
}

func annotateEncodingError(err error, spec *esbind.TypeSpec, id int64, field string) error {
	if e, ok := err.(*esbind.Error); ok {
		return e.WithType(spec.Name()).WithDocument(id).WithField(field)
	}
	return esbind.NewEncodingError(esbind.ErrCodeCastFailed, "failed to cast field value").
		WithType(spec.Name()).WithDocument(id).WithField(field).WithCause(err)
}

// CastValue converts value into something the search engine can store. override, when set,
// is consulted first at every level of nesting.
func CastValue(value any, override esbind.CastFunc) (any, error) {
	return castValue(value, override, 0)
}

func castValue(value any, override esbind.CastFunc, depth int) (any, error) {
	if depth > maxCastDepth {
		return nil, esbind.NewEncodingError(esbind.ErrCodeUnsupportedValue, "value is nested too deeply")
	}
	if override != nil {
		if v, ok := override(value); ok {
			return v, nil
		}
	}
	if value == nil {
		return nil, nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
	}

	switch v := value.(type) {
	case esbind.Keyed:
		return v.ID(), nil
	case time.Time:
		return v.Format(esbind.DateTimeLayout), nil
	case *time.Time:
		return v.Format(esbind.DateTimeLayout), nil
	case uuid.UUID:
		return v.String(), nil
	case [16]byte:
		return uuid.UUID(v).String(), nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case driver.Valuer:
		dv, err := v.Value()
		if err != nil {
			return nil, esbind.NewEncodingError(esbind.ErrCodeCastFailed, "driver value conversion failed").WithCause(err)
		}
		return castValue(dv, override, depth+1)
	case fmt.Stringer:
		return v.String(), nil
	}

	switch rv.Kind() {
	case reflect.Pointer:
		return castValue(rv.Elem().Interface(), override, depth+1)
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, rv.Type().Bits()), nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			elem, err := castValue(rv.Index(i).Interface(), override, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, esbind.NewEncodingError(esbind.ErrCodeUnsupportedValue,
				fmt.Sprintf("unsupported map type %T: keys must be strings", value))
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			elem, err := castValue(iter.Value().Interface(), override, depth+1)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = elem
		}
		return out, nil
	}

	return nil, esbind.NewEncodingError(esbind.ErrCodeUnsupportedValue,
		fmt.Sprintf("unsupported value type %T", value))
}
