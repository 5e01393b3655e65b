package services

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// JSONPath 简化的路径解析器，用于模板变量和 API 响应提取
type JSONPath struct{}

// NewJSONPath 创建路径解析器
func NewJSONPath() *JSONPath {
	return &JSONPath{}
}

// pathPart 路径片段
type pathPart struct {
	field      string
	isArray    bool
	arrayIndex int // -1 表示 [*]
}

var pathSegmentRe = regexp.MustCompile(`([^.\[]*)((?:\[(?:[0-9]+|\*)\])*)`)
var pathIndexRe = regexp.MustCompile(`\[([0-9]+|\*)\]`)

// Lookup 按路径取值，第二个返回值区分“不存在”和“值为 null”
// 支持的路径格式：
// - "field"、"object.field"
// - "array[0]"、"array[*]"、"array[*].field"
// - 可选的 "$." 前缀
func (j *JSONPath) Lookup(path string, data interface{}) (interface{}, bool) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return data, data != nil
	}

	parts, err := j.parsePath(path)
	if err != nil {
		return nil, false
	}

	current := data
	for i, part := range parts {
		if part.field != "" {
			v, ok := j.accessField(current, part.field)
			if !ok {
				return nil, false
			}
			current = v
		}
		if !part.isArray {
			continue
		}
		if part.arrayIndex == -1 {
			items, ok := j.expand(current)
			if !ok {
				return nil, false
			}
			// [*] 之后的路径作用于每个元素
			rest := parts[i+1:]
			if len(rest) == 0 {
				return items, true
			}
			out := make([]interface{}, 0, len(items))
			for _, item := range items {
				if v, ok := j.walk(rest, item); ok {
					out = append(out, v)
				}
			}
			return out, true
		}
		v, ok := j.index(current, part.arrayIndex)
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}


func (j *JSONPath) walk(parts []pathPart, data interface{}) (interface{}, bool) {
	current := data
	for _, part := range parts {
		if part.field != "" {
			v, ok := j.accessField(current, part.field)
			if !ok {
				return nil, false
			}
			current = v
		}
		if part.isArray {
			if part.arrayIndex == -1 {
				return j.expand(current)
			}
			v, ok := j.index(current, part.arrayIndex)
			if !ok {
				return nil, false
			}
			current = v
		}
	}
	return current, true
}

// parsePath 将路径拆成片段，"a[0][1]" 拆成 a[0] 与 [1]
func (j *JSONPath) parsePath(path string) ([]pathPart, error) {
	var parts []pathPart
	for _, segment := range strings.Split(path, ".") {
		m := pathSegmentRe.FindStringSubmatch(segment)
		if m == nil || m[0] != segment || (m[1] == "" && m[2] == "") {
			return nil, fmt.Errorf("路径片段无效: %q", segment)
		}
		indexes := pathIndexRe.FindAllStringSubmatch(m[2], -1)
		if len(indexes) == 0 {
			parts = append(parts, pathPart{field: m[1]})
			continue
		}
		for i, idx := range indexes {
			part := pathPart{isArray: true}
			if i == 0 {
				part.field = m[1]
			}
			if idx[1] == "*" {
				part.arrayIndex = -1
			} else {
				part.arrayIndex, _ = strconv.Atoi(idx[1])
			}
			parts = append(parts, part)
		}
	}
	return parts, nil
}

// accessField 访问 map 键或结构体字段（支持 json tag）
func (j *JSONPath) accessField(data interface{}, field string) (interface{}, bool) {
	if data == nil {
		return nil, false
	}
	switch m := data.(type) {
	case map[string]interface{}:
		v, ok := m[field]
		return v, ok
	case map[string]string:
		v, ok := m[field]
		return v, ok
	}

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := v.MapIndex(reflect.ValueOf(field).Convert(v.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			ft := t.Field(i)
			if !ft.IsExported() {
				continue
			}
			if ft.Name == field {
				return v.Field(i).Interface(), true
			}
			if tag := ft.Tag.Get("json"); tag != "" && strings.Split(tag, ",")[0] == field {
				return v.Field(i).Interface(), true
			}
		}
	}
	return nil, false
}

func (j *JSONPath) index(data interface{}, i int) (interface{}, bool) {
	items, ok := j.expand(data)
	if !ok || i < 0 || i >= len(items) {
		return nil, false
	}
	return items[i], true
}

func (j *JSONPath) expand(data interface{}) ([]interface{}, bool) {
	if arr, ok := data.([]interface{}); ok {
		return arr, true
	}
	if data == nil {
		return nil, false
	}
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = v.Index(i).Interface()
	}
	return out, true
}
