package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh document id.
func NewID() string {
	return uuid.NewString()
}

// Encode converts a tagged struct into a Document using its json tags.
func Encode(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// Decode fills v from doc using v's json tags.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// normalize turns any value into its JSON-typed equivalent so every backend
// compares and stores the same shapes.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func (p Patch) normalized() (Patch, error) {
	var err error
	out := Patch{Unset: p.Unset}
	if out.Set, err = normalizeMap(p.Set); err != nil {
		return Patch{}, err
	}
	if out.AddToSet, err = normalizeMap(p.AddToSet); err != nil {
		return Patch{}, err
	}
	if out.Pull, err = normalizeMap(p.Pull); err != nil {
		return Patch{}, err
	}
	return out, nil
}

func (f Filter) normalized() (Filter, error) {
	m, err := normalizeMap(f)
	return Filter(m), err
}

// sortedKeys keeps generated queries deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// Lookup returns the value at a dotted path.
func (d Document) Lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range splitPath(path) {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at path, or "" when it is missing or not a string.
func (d Document) String(path string) string {
	v, _ := d.Lookup(path)
	s, _ := v.(string)
	return s
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}

func (d Document) set(path string, value any) error {
	parts := splitPath(path)
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok || next == nil {
			child := map[string]any{}
			cur[part] = child
			cur = child
			continue
		}
		child, ok := asMap(next)
		if !ok {
			return fmt.Errorf("path %s: %s is not an object", path, part)
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

func (d Document) unset(path string) {
	parts := splitPath(path)
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		child, ok := asMap(cur[part])
		if !ok {
			return
		}
		cur = child
	}
	delete(cur, parts[len(parts)-1])
}

func (d Document) array(path string) ([]any, error) {
	v, ok := d.Lookup(path)
	if !ok || v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("path %s is not an array", path)
	}
	return arr, nil
}

// applyPatch mutates d in place. The patch must already be normalized.
func (d Document) applyPatch(p Patch) error {
	for _, k := range sortedKeys(p.Set) {
		if k == IDField {
			return fmt.Errorf("cannot modify %s", IDField)
		}
		if err := d.set(k, p.Set[k]); err != nil {
			return err
		}
	}
	for _, k := range p.Unset {
		d.unset(k)
	}
	for _, k := range sortedKeys(p.AddToSet) {
		arr, err := d.array(k)
		if err != nil {
			return err
		}
		if !containsValue(arr, p.AddToSet[k]) {
			arr = append(arr, p.AddToSet[k])
		}
		if arr == nil {
			arr = []any{}
		}
		if err := d.set(k, arr); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(p.Pull) {
		arr, err := d.array(k)
		if err != nil {
			return err
		}
		kept := make([]any, 0, len(arr))
		for _, v := range arr {
			if !reflect.DeepEqual(v, p.Pull[k]) {
				kept = append(kept, v)
			}
		}
		if arr != nil {
			if err := d.set(k, kept); err != nil {
				return err
			}
		}
	}
	return nil
}

func containsValue(arr []any, v any) bool {
	for _, el := range arr {
		if reflect.DeepEqual(el, v) {
			return true
		}
	}
	return false
}

// matches evaluates a normalized filter against d.
func (d Document) matches(f Filter) bool {
	for path, want := range f {
		got, ok := d.Lookup(path)
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok {
			return false
		}
		if reflect.DeepEqual(got, want) {
			continue
		}
		if arr, isArr := got.([]any); isArr && containsValue(arr, want) {
			continue
		}
		return false
	}
	return true
}

// sortString is the string form used for ordering; missing values sort first.
func sortString(v any, ok bool) string {
	if !ok || v == nil {
		return ""
	}
	if s, isStr := v.(string); isStr {
		return s
	}
	return fmt.Sprint(v)
}

func lessBy(a, b Document, sorts []Sort) bool {
	for _, s := range sorts {
		av, aok := a.Lookup(s.Field)
		bv, bok := b.Lookup(s.Field)
		as, bs := sortString(av, aok), sortString(bv, bok)
		if as == bs {
			continue
		}
		if s.Desc {
			return as > bs
		}
		return as < bs
	}
	return a.ID() < b.ID()
}

// clone deep-copies a JSON-typed document.
func (d Document) clone() Document {
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = cloneValue(el)
		}
		return out
	case Document:
		return cloneValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = cloneValue(el)
		}
		return out
	default:
		return v
	}
}
