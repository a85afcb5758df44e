package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// Formatter defines the interface for output formatting.
type Formatter interface {
	Format(data any) string
}

// NewFormatter returns a Formatter for the given format string.
// Supported formats: "table" (default), "json", "yaml".
func NewFormatter(format string) Formatter {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{}
	case "yaml":
		return &YAMLFormatter{}
	default:
		return &TableFormatter{}
	}
}

// TableFormatter formats data as aligned text tables using tabwriter.
// Nested structs are skipped in list views and indented in detail views;
// use the json or yaml formatters for the complete picture.
type TableFormatter struct{}

func (f *TableFormatter) Format(data any) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return "No resources found.\n"
		}
		elem := v.Index(0)
		if elem.Kind() == reflect.Pointer {
			elem = elem.Elem()
		}
		if elem.Kind() == reflect.Struct {
			t := elem.Type()
			cols := columns(t)
			headers := make([]string, len(cols))
			for i, c := range cols {
				headers[i] = strings.ToUpper(t.Field(c).Name)
			}
			fmt.Fprintln(w, strings.Join(headers, "\t"))

			for i := 0; i < v.Len(); i++ {
				row := v.Index(i)
				if row.Kind() == reflect.Pointer {
					row = row.Elem()
				}
				vals := make([]string, len(cols))
				for j, c := range cols {
					vals[j] = cell(row.Field(c))
				}
				fmt.Fprintln(w, strings.Join(vals, "\t"))
			}
		} else {
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(w, v.Index(i).Interface())
			}
		}
	case reflect.Struct:
		writeStruct(w, v, "")
	case reflect.Map:
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, fmt.Sprintf("%v", k.Interface()))
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s:\t%s\n", k, cell(v.MapIndex(reflect.ValueOf(k))))
		}
	default:
		fmt.Fprintln(w, data)
	}

	w.Flush()
	return buf.String()
}

// columns picks the fields of t that render as table columns. Struct
// fields other than timestamps do not flatten into a single cell and are
// left out of list views.
func columns(t reflect.Type) []int {
	var idx []int
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

// cell renders one value for a table cell.
func cell(v reflect.Value) string {
	if !v.IsValid() {
		return "-"
	}
	switch val := v.Interface().(type) {
	case time.Time:
		if val.IsZero() {
			return "-"
		}
		return val.Format(time.RFC3339)
	case *time.Time:
		if val == nil || val.IsZero() {
			return "-"
		}
		return val.Format(time.RFC3339)
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return "-"
		}
		return cell(v.Elem())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Struct {
			return strconv.Itoa(v.Len())
		}
		parts := make([]string, v.Len())
		for i := 0; i < v.Len(); i++ {
			parts[i] = fmt.Sprintf("%v", v.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("%v", v.Interface())
}

// writeStruct prints one field per line, recursing one level into nested
// structs so detail views stay readable.
func writeStruct(w *tabwriter.Writer, v reflect.Value, indent string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		fv := v.Field(i)
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
			fmt.Fprintf(w, "%s%s:\n", indent, f.Name)
			writeStruct(w, fv, indent+"  ")
			continue
		}
		fmt.Fprintf(w, "%s%s:\t%s\n", indent, f.Name, cell(fv))
	}
}

// JSONFormatter formats data as indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

// YAMLFormatter formats data as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any) string {
	b, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}
