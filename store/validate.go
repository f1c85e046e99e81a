package store

import (
	"fmt"
	"math"
	"reflect"

	"github.com/glimte/mmate-saga/contracts"
)

// ValidateMessage rejects values that no backend can store and restore faithfully.
// A corrupt continuation payload would strand the workflow, so this fails loudly.
func ValidateMessage(msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", ErrInvalidMessage)
	}
	for i, v := range msg.Data {
		if err := validateValue(reflect.ValueOf(v), fmt.Sprintf("data[%d]", i)); err != nil {
			return err
		}
	}
	if _, err := msg.Encode(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func validateValue(v reflect.Value, path string) error {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("%w: %s has unsupported kind %s", ErrInvalidMessage, path, v.Kind())
	case reflect.Float32, reflect.Float64:
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidMessage, path)
		}
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return validateValue(v.Elem(), path)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := validateValue(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: %s has non-string keys", ErrInvalidMessage, path)
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := validateValue(iter.Value(), path+"."+iter.Key().String()); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := validateValue(v.Field(i), path+"."+t.Field(i).Name); err != nil {
				return err
			}
		}
	}
	return nil
}
