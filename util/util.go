package util

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"reflect"
	"strings"
)

// RandomMAC returns a random unicast, locally administered link-layer address.
func RandomMAC(rng *rand.Rand) string {
	parts := []string{"02"}
	for range 5 {
		parts = append(parts, fmt.Sprintf("%02x", rng.Intn(256)))
	}
	return strings.Join(parts, ":")
}

// StructMap maps exported field names of s to their values. Nil pointers map to nil.
func StructMap(s any) map[string]any {
	out := map[string]any{}
	typ := reflect.TypeOf(s)
	struc := reflect.ValueOf(s)
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
		struc = struc.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		out[field.Name] = struc.FieldByName(field.Name).Interface()
	}
	return out
}

func LastNonEmptyLine(out []byte) string {
	lines := strings.Split(string(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if len(strings.TrimSpace(lines[i])) > 0 {
			return lines[i]
		}
	}
	return ""
}

// WriteJSON writes v to filename as indented JSON.
func WriteJSON(filename string, v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, buf, 0o644)
}
