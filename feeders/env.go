package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// cast does not handle time.Duration, so duration fields go through
// time.ParseDuration instead.
var durationType = reflect.TypeOf(time.Duration(0))

// EnvFeeder overlays prefixed environment variables onto a structure.
// Fields tagged `env:"NAME"` are set from PREFIX_NAME when that variable
// is present; untagged fields and unset variables are left alone, so the
// feeder composes with file feeders applied earlier.
type EnvFeeder struct {
	Prefix string
}

// NewEnvFeeder creates an EnvFeeder for variables named PREFIX_*.
func NewEnvFeeder(prefix string) EnvFeeder {
	return EnvFeeder{Prefix: prefix}
}

// Feed populates structure from the environment.
func (f EnvFeeder) Feed(structure any) error {
	if f.Prefix == "" {
		return ErrEmptyPrefix
	}
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return ErrInvalidStructure
	}
	return f.fillStruct(rv.Elem())
}

func (f EnvFeeder) fillStruct(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if err := f.fillField(field, fieldType); err != nil {
			return fmt.Errorf("field %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func (f EnvFeeder) fillField(field reflect.Value, fieldType reflect.StructField) error {
	if field.Kind() == reflect.Struct {
		return f.fillStruct(field)
	}
	if field.Kind() == reflect.Ptr && !field.IsZero() && field.Elem().Kind() == reflect.Struct {
		return f.fillStruct(field.Elem())
	}
	tag, ok := fieldType.Tag.Lookup("env")
	if !ok {
		return nil
	}
	name := strings.ToUpper(f.Prefix) + "_" + strings.ToUpper(tag)
	value := os.Getenv(name)
	if value == "" {
		return nil
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parsing %s as duration: %w", name, err)
		}
		if !field.CanSet() {
			return ErrFieldCannotBeSet
		}
		field.Set(reflect.ValueOf(d))
		return nil
	}
	converted, err := cast.FromType(value, field.Type())
	if err != nil {
		return fmt.Errorf("converting %s to %v: %w", name, field.Type(), err)
	}
	if !field.CanSet() {
		return ErrFieldCannotBeSet
	}
	field.Set(reflect.ValueOf(converted))
	return nil
}
