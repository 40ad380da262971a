package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so equal values produce equal
// bytes. Times keep nanosecond precision.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

// SetValue encodes v as CBOR and stores it under key
func SetValue(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache value %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// GetValue loads key and decodes it into v. A miss returns false with a nil error.
func GetValue(ctx context.Context, c Cache, key string, v any) (bool, error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding cache value %s: %w", key, err)
	}
	return true, nil
}
