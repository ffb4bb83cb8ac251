package feeders

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// decode maps raw file data onto the target structure using the given
// struct tag, with weak typing and duration strings like "30s" supported.
func decode(raw any, structure any, tagName string) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           structure,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		TagName:          tagName,
	})
	if err != nil {
		return fmt.Errorf("building config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}
