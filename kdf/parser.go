package kdf

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	defaultPreset = "default"
	// specSeparatorParts is the number of parts when splitting KDF spec by colon.
	specSeparatorParts = 2
	// kvParts is the expected parts for key=value split.
	kvParts = 2
)

// presets maps a spec type and preset name to its parameters. The empty
// preset is the type-only form.
var presets = map[string]map[string]func() Params{ //nolint:gochecknoglobals // read-only lookup table
	"pbkdf2": {
		"":            func() Params { return DefaultPBKDF2Params() },
		defaultPreset: func() Params { return DefaultPBKDF2Params() },
	},
	"argon2": {
		"":            func() Params { return DefaultArgon2idParams() },
		defaultPreset: func() Params { return DefaultArgon2idParams() },
		"moderate":    func() Params { return ModerateArgon2idParams() },
		"high":        func() Params { return HighArgon2idParams() },
	},
	"scrypt": {
		"":            func() Params { return DefaultScryptParams() },
		defaultPreset: func() Params { return DefaultScryptParams() },
		"moderate":    func() Params { return ModerateScryptParams() },
		"high":        func() Params { return HighScryptParams() },
	},
}

// ParseSpec parses a KDF specification string and returns the corresponding Params.
// Supported formats:
//   - "pbkdf2", "pbkdf2:default", "pbkdf2:iterations=1000000,hash=sha512"
//   - "argon2", "argon2:default|moderate|high", "argon2:iterations=3,memory=65536,parallelism=4"
//   - "scrypt", "scrypt:default|moderate|high", "scrypt:cost=32768,blocksize=8,parallelism=1"
//
// "argon2id" is accepted as an alias of "argon2". An empty spec selects
// the PBKDF2 defaults.
func ParseSpec(spec string) (Params, error) {
	if spec == "" {
		return DefaultPBKDF2Params(), nil
	}

	parts := strings.SplitN(spec, ":", specSeparatorParts)

	kdfType := strings.ToLower(parts[0])
	if kdfType == "argon2id" {
		kdfType = "argon2"
	}

	typePresets, ok := presets[kdfType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown KDF type: %s", ErrInvalidParams, kdfType)
	}

	paramStr := ""
	if len(parts) == specSeparatorParts {
		paramStr = strings.TrimSpace(parts[1])
	}

	if preset, ok := typePresets[strings.ToLower(paramStr)]; ok {
		return preset(), nil
	}

	params := typePresets[defaultPreset]()

	for key, value := range parseKeyValuePairs(paramStr) {
		if err := applyParam(params, key, value); err != nil {
			return nil, err
		}
	}

	return params, nil
}

// applyParam sets a single key=value override on params.
func applyParam(params Params, key, value string) error {
	switch typed := params.(type) {
	case *PBKDF2Params:
		return applyPBKDF2Param(typed, key, value)
	case *Argon2idParams:
		return applyArgon2Param(typed, key, value)
	case *ScryptParams:
		return applyScryptParam(typed, key, value)
	default:
		return fmt.Errorf("%w: unsupported params %T", ErrInvalidParams, params)
	}
}

func applyPBKDF2Param(params *PBKDF2Params, key, value string) error {
	switch key {
	case "iterations":
		iterations, err := parsePositive(value, math.MaxInt32)
		if err != nil {
			return fmt.Errorf("invalid iterations value: %w", err)
		}

		params.Iterations = iterations

	case "hash":
		hashType := HashType(strings.ToLower(value))
		if hashType != HashTypeSHA256 && hashType != HashTypeSHA512 {
			return fmt.Errorf("%w: unsupported hash function: %s", ErrInvalidParams, value)
		}

		params.HashFunc = hashType

	default:
		return fmt.Errorf("%w: unknown PBKDF2 parameter: %s", ErrInvalidParams, key)
	}

	return nil
}

func applyArgon2Param(params *Argon2idParams, key, value string) error {
	switch key {
	case "iterations", "time":
		iterations, err := parsePositive(value, math.MaxUint32)
		if err != nil {
			return fmt.Errorf("invalid iterations value: %w", err)
		}

		params.Iterations = uint32(iterations)

	case "memory":
		memory, err := parsePositive(value, math.MaxUint32)
		if err != nil {
			return fmt.Errorf("invalid memory value: %w", err)
		}

		params.Memory = uint32(memory)

	case "parallelism", "threads":
		parallelism, err := parsePositive(value, math.MaxUint8)
		if err != nil {
			return fmt.Errorf("invalid parallelism value: %w", err)
		}

		params.Parallelism = uint8(parallelism)

	default:
		return fmt.Errorf("%w: unknown Argon2 parameter: %s", ErrInvalidParams, key)
	}

	return nil
}

func applyScryptParam(params *ScryptParams, key, value string) error {
	parsed, err := parsePositive(value, math.MaxInt32)
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", key, err)
	}

	switch key {
	case "cost", "n":
		params.Cost = parsed
	case "blocksize", "r":
		params.BlockSize = parsed
	case "parallelism", "p":
		params.Parallelism = parsed
	default:
		return fmt.Errorf("%w: unknown Scrypt parameter: %s", ErrInvalidParams, key)
	}

	return nil
}

// parsePositive parses value as an integer in [1, maxValue].
func parsePositive(value string, maxValue uint64) (int, error) {
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid value: %s", ErrInvalidParams, value)
	}

	if parsed < 1 {
		return 0, fmt.Errorf("%w: value must be at least 1", ErrInvalidParams)
	}

	if parsed > maxValue {
		return 0, fmt.Errorf("%w: value exceeds maximum of %d", ErrInvalidParams, maxValue)
	}

	return int(parsed), nil
}

// parseKeyValuePairs parses comma-separated key=value pairs.
func parseKeyValuePairs(s string) map[string]string {
	pairs := make(map[string]string)

	for part := range strings.SplitSeq(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", kvParts)
		if len(kv) == kvParts {
			pairs[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
		}
	}

	return pairs
}
