// Package rlconfig implements the JSON config file loading behavior shared
// by both relay binaries: read the file, and on a missing or unparsable
// file fall back to defaults — backing up an unparsable file first, exactly
// as Ar7hurz1nh0/proxy's client and server config loaders do (see
// original_source/src/{client,server}/config.rs).
package rlconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Load reads path as JSON into a value of type T. If path does not exist,
// defaults is written to it (pretty-printed) and returned. If path exists
// but fails to parse as T, it is renamed to "<path-without-.json>-invalid-
// <unix_seconds>.json", defaults is written to path, and defaults is
// returned.
func Load[T any](log zerolog.Logger, path string, defaults T) (T, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("config file not found, writing defaults")
		if werr := save(path, defaults); werr != nil {
			log.Error().Err(werr).Msg("failed to write default config")
		}
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("read config: %w", err)
	}

	var v T
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to parse config, using defaults")
		if berr := backup(path, buf); berr != nil {
			log.Error().Err(berr).Msg("failed to back up invalid config")
		}
		if werr := save(path, defaults); werr != nil {
			log.Error().Err(werr).Msg("failed to write default config")
		}
		return defaults, nil
	}

	log.Trace().Str("path", path).Msg("loaded config")
	return v, nil
}

func save(path string, v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize default config: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func backup(path string, contents []byte) error {
	name := stampedName(path, time.Now())
	if err := os.WriteFile(name, contents, 0o644); err != nil {
		return fmt.Errorf("write backup config: %w", err)
	}
	return nil
}

func stampedName(path string, t time.Time) string {
	base := path
	const suffix = ".json"
	if len(base) > len(suffix) && base[len(base)-len(suffix):] == suffix {
		base = base[:len(base)-len(suffix)]
	}
	return fmt.Sprintf("%s-invalid-%d.json", base, t.Unix())
}
