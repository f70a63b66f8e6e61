package genai

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// Kind is the value type of one Shape field.
type Kind string

const (
	KindText   Kind = "text"
	KindEnum   Kind = "enum"
	KindBool   Kind = "bool"
	KindNumber Kind = "number"
	KindList   Kind = "list"
	KindObject Kind = "object"
)

// Field describes one property of a structured response.
type Field struct {
	Name        string
	Kind        Kind
	Description string
	// Enum holds the allowed values for KindEnum.
	Enum []string
	// Unchecked enums constrain the provider but are resolved by the caller.
	Unchecked bool
	// Min and Max bound KindNumber values.
	Min, Max float64
	// Nullable also accepts JSON null.
	Nullable bool
	// Items is the element field for KindList; its Name is ignored.
	Items *Field
	// Fields are the properties of KindObject.
	Fields []Field
}

// Shape is the expected output of a structured model call.
type Shape struct {
	Name        string
	Description string
	Fields      []Field
}

// JSONSchema renders the shape as a strict JSON schema: every property is
// required, no additional properties, nullable as a ["type","null"] union.
func (s Shape) JSONSchema() map[string]any {
	return objectSchema(s.Description, s.Fields, false)
}

func objectSchema(description string, fields []Field, nullable bool) map[string]any {
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = fieldSchema(f)
		required = append(required, f.Name)
	}
	out := map[string]any{
		"type":                 typeName("object", nullable),
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	if description != "" {
		out["description"] = description
	}
	return out
}

func fieldSchema(f Field) map[string]any {
	var out map[string]any
	switch f.Kind {
	case KindText:
		out = map[string]any{"type": typeName("string", f.Nullable)}
	case KindEnum:
		values := make([]any, 0, len(f.Enum)+1)
		for _, v := range f.Enum {
			values = append(values, v)
		}
		if f.Nullable {
			values = append(values, nil)
		}
		out = map[string]any{"type": typeName("string", f.Nullable), "enum": values}
	case KindBool:
		out = map[string]any{"type": typeName("boolean", f.Nullable)}
	case KindNumber:
		out = map[string]any{"type": typeName("number", f.Nullable), "minimum": f.Min, "maximum": f.Max}
	case KindList:
		item := Field{Kind: KindText}
		if f.Items != nil {
			item = *f.Items
		}
		out = map[string]any{"type": typeName("array", f.Nullable), "items": fieldSchema(item)}
	case KindObject:
		out = objectSchema("", f.Fields, f.Nullable)
	default:
		out = map[string]any{"type": typeName("string", f.Nullable)}
	}
	if f.Description != "" {
		out["description"] = f.Description
	}
	return out
}

func typeName(base string, nullable bool) any {
	if nullable {
		return []string{base, "null"}
	}
	return base
}

// Conform checks raw JSON against the shape. It is applied to every
// structured response before decoding, since providers do not all enforce
// strict schemas.
func (s Shape) Conform(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: not JSON: %v", ErrNonConformantOutput, err)
	}
	if err := conformObject("$", s.Fields, false, doc); err != nil {
		return fmt.Errorf("%w: %v", ErrNonConformantOutput, err)
	}
	return nil
}

func conformObject(path string, fields []Field, nullable bool, v any) error {
	if v == nil {
		if nullable {
			return nil
		}
		return fmt.Errorf("%s: null not allowed", path)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%s: expected object", path)
	}
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.Name] = true
		fv, present := obj[f.Name]
		if !present {
			return fmt.Errorf("%s.%s: missing", path, f.Name)
		}
		if err := conformField(path+"."+f.Name, f, fv); err != nil {
			return err
		}
	}
	var extra []string
	for k := range obj {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("%s: unexpected properties %v", path, extra)
	}
	return nil
}

func conformField(path string, f Field, v any) error {
	if f.Kind == KindObject {
		return conformObject(path, f.Fields, f.Nullable, v)
	}
	if v == nil {
		if f.Nullable {
			return nil
		}
		return fmt.Errorf("%s: null not allowed", path)
	}
	switch f.Kind {
	case KindText:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%s: expected string", path)
		}
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", path)
		}
		if !f.Unchecked && !slices.Contains(f.Enum, s) {
			return fmt.Errorf("%s: %q is not one of %v", path, s, f.Enum)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", path)
		}
	case KindNumber:
		n, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%s: expected number", path)
		}
		if n < f.Min || n > f.Max {
			return fmt.Errorf("%s: %v outside [%v, %v]", path, n, f.Min, f.Max)
		}
	case KindList:
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array", path)
		}
		item := Field{Kind: KindText}
		if f.Items != nil {
			item = *f.Items
		}
		for i, iv := range items {
			if err := conformField(fmt.Sprintf("%s[%d]", path, i), item, iv); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s: unsupported kind %q", path, f.Kind)
	}
	return nil
}
