package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Decode maps a loosely typed section, such as one plugin instance from the
// plugin config, onto out using the same conversions as LoadConfig.
func Decode(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	if d, ok := out.(Defaulter); ok {
		d.SetDefaults()
	}
	return dec.Decode(input)
}
