// Пакет codec — «дегидрация» произвольных значений в JSON-безопасную модель
// и обратно, плюс канонический JSON для хэширования.
//
// Провод MTProto несёт типы, которые обычный JSON теряет: 64-битные числа
// (access_hash, некоторые id) не влезают в 53 бита double, байтовые буферы и
// метки времени не имеют представления вовсе. Такие значения кодируются
// тегированными маркерами:
//
//	{"__tgcli_type": "bigint", "value": "причём всегда десятичная строка"}
//	{"__tgcli_type": "bytes",  "value": "<std base64>"}
//	{"__tgcli_type": "date",   "value": "<RFC3339Nano, UTC>"}
//
// Модель после Dehydrate состоит только из nil, bool, string, float64,
// map[string]any и []any — её можно отдавать любому JSON-кодеку. Rehydrate
// выполняет обратное преобразование; для типов модели пара образует identity.
// Структуры нормализуются в map в одну сторону (ключ "_" несёт имя типа),
// порядок массивов сохраняется.
package codec

import (
	"encoding/base64"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

const (
	markerKey    = "__tgcli_type"
	markerBigint = "bigint"
	markerBytes  = "bytes"
	markerDate   = "date"
)

// maxSafeInteger — граница точного представления целых в double (2^53).
const maxSafeInteger = int64(1) << 53

func marker(kind, value string) map[string]any {
	return map[string]any{markerKey: kind, "value": value}
}

// Dehydrate приводит произвольное значение к JSON-безопасной модели.
// int64/uint64 всегда становятся bigint-маркерами независимо от величины:
// стабильность формата важнее компактности (53-битная проверка по месту
// давала бы два разных представления одного поля).
func Dehydrate(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return x
	case string:
		return x
	case float64:
		return x
	case float32:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case int:
		return dehydrateInt(int64(x))
	case int64:
		return marker(markerBigint, strconv.FormatInt(x, 10))
	case uint64:
		return marker(markerBigint, strconv.FormatUint(x, 10))
	case uint:
		if uint64(x) > uint64(math.MaxInt64) {
			return marker(markerBigint, strconv.FormatUint(uint64(x), 10))
		}
		return dehydrateInt(int64(x))
	case []byte:
		return marker(markerBytes, base64.StdEncoding.EncodeToString(x))
	case time.Time:
		return marker(markerDate, x.UTC().Format(time.RFC3339Nano))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Dehydrate(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Dehydrate(val)
		}
		return out
	}
	return dehydrateReflect(reflect.ValueOf(v), v)
}

// dehydrateInt: провод кодирует wire-int (32 бита) обычным числом, как и
// оригинальный формат фикстур; за пределами безопасной зоны — маркер.
func dehydrateInt(v int64) any {
	if v > -maxSafeInteger && v < maxSafeInteger {
		return float64(v)
	}
	return marker(markerBigint, strconv.FormatInt(v, 10))
}

// dehydrateReflect обрабатывает именованные типы, указатели, структуры и
// контейнеры, не пойманные точным type switch. orig сохраняет исходное
// значение: TypeName() у wire-типов объявлен на указателе.
func dehydrateReflect(rv reflect.Value, orig any) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		elem := rv.Elem()
		if elem.Kind() == reflect.Struct {
			if t, ok := orig.(time.Time); ok {
				return Dehydrate(t)
			}
			return dehydrateStruct(elem, orig)
		}
		return Dehydrate(elem.Interface())
	case reflect.Struct:
		if t, ok := orig.(time.Time); ok {
			return Dehydrate(t)
		}
		return dehydrateStruct(rv, orig)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return Dehydrate(rv.Bytes())
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Dehydrate(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[mapKeyString(iter.Key())] = Dehydrate(iter.Value().Interface())
		}
		return out
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return dehydrateInt(rv.Int())
	case reflect.Int64:
		return marker(markerBigint, strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return dehydrateInt(int64(rv.Uint()))
	case reflect.Uint64:
		return marker(markerBigint, strconv.FormatUint(rv.Uint(), 10))
	default:
		// Каналы, функции и прочее несериализуемое в провод не попадает.
		return nil
	}
}

func dehydrateStruct(rv reflect.Value, orig any) map[string]any {
	t := rv.Type()
	out := make(map[string]any, t.NumField()+1)
	out["_"] = typeNameOf(orig, t)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		out[f.Name] = Dehydrate(rv.Field(i).Interface())
	}
	return out
}

// typeNameOf предпочитает TL-имя типа (TypeName() у сгенерированных wire-типов)
// и откатывается на имя Go-типа.
func typeNameOf(orig any, t reflect.Type) string {
	if named, ok := orig.(interface{ TypeName() string }); ok {
		return named.TypeName()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

func mapKeyString(k reflect.Value) string {
	switch k.Kind() {
	case reflect.String:
		return k.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10)
	default:
		return k.String()
	}
}

// Rehydrate выполняет обратное преобразование модели: маркеры становятся
// int64/uint64, []byte и time.Time (UTC), контейнеры обходятся рекурсивно,
// примитивы возвращаются как есть. Повреждённый маркер — ошибка, не молчаливый
// пропуск: фикстура с битым значением не должна тихо подменять ответ.
func Rehydrate(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if kind, ok := x[markerKey].(string); ok {
			return rehydrateMarker(kind, x)
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			hydrated, err := Rehydrate(val)
			if err != nil {
				return nil, errors.Wrapf(err, "key %q", k)
			}
			out[k] = hydrated
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			hydrated, err := Rehydrate(val)
			if err != nil {
				return nil, errors.Wrapf(err, "index %d", i)
			}
			out[i] = hydrated
		}
		return out, nil
	default:
		return v, nil
	}
}

func rehydrateMarker(kind string, m map[string]any) (any, error) {
	raw, ok := m["value"].(string)
	if !ok {
		return nil, errors.Errorf("marker %q without string value", kind)
	}
	switch kind {
	case markerBigint:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n, nil
		}
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bigint %q", raw)
		}
		return n, nil
	case markerBytes:
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, errors.Wrap(err, "decode bytes marker")
		}
		return data, nil
	case markerDate:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, errors.Wrap(err, "parse date marker")
		}
		return t.UTC(), nil
	default:
		return nil, errors.Errorf("unknown marker type %q", kind)
	}
}

// MarshalCanonical кодирует значение в детерминированный JSON: ключи объектов
// отсортированы, целые float64 пишутся целыми. Одно и то же значение всегда
// даёт одни и те же байты — на этом держатся sha256-ключи фикстур.
func MarshalCanonical(v any) ([]byte, error) {
	var e jx.Encoder
	if err := encodeCanonical(&e, Dehydrate(v)); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

func encodeCanonical(e *jx.Encoder, v any) error {
	switch x := v.(type) {
	case nil:
		e.Null()
	case bool:
		e.Bool(x)
	case string:
		e.Str(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return errors.Errorf("value %v is not representable in JSON", x)
		}
		if x == math.Trunc(x) && x > -float64(maxSafeInteger) && x < float64(maxSafeInteger) {
			e.Int64(int64(x))
			return nil
		}
		e.Float64(x)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.ObjStart()
		for _, k := range keys {
			e.FieldStart(k)
			if err := encodeCanonical(e, x[k]); err != nil {
				return errors.Wrapf(err, "key %q", k)
			}
		}
		e.ObjEnd()
	case []any:
		e.ArrStart()
		for i, val := range x {
			if err := encodeCanonical(e, val); err != nil {
				return errors.Wrapf(err, "index %d", i)
			}
		}
		e.ArrEnd()
	default:
		return errors.Errorf("canonical encoding: unsupported type %T", v)
	}
	return nil
}
