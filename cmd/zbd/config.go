// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"

	"nichts.build/store/storepath"
)

// daemonConfig is zbd's merged configuration: compiled-in defaults,
// overridden by config file(s) (hujson, so comments are allowed), then by
// environment variables, then by command-line flags, in that order —
// matching the teacher's own config layering in cmd/zb/config.go.
type daemonConfig struct {
	Debug     bool                `json:"debug"`
	Directory string              `json:"storeDirectory"`
	Socket    string              `json:"storeSocket"`
	Algorithm storepath.Algorithm `json:"hashAlgorithm"`
	TotalRAM  int64               `json:"totalRAM"`
	AdminAddr string              `json:"adminAddress"`
}

func defaultDaemonConfig() *daemonConfig {
	return &daemonConfig{
		Directory: filepath.Join(defaultVarDir(), "store"),
		Socket:    filepath.Join(defaultVarDir(), "zbd.sock"),
		Algorithm: storepath.BLAKE2s,
		TotalRAM:  512 << 20,
	}
}

func (c *daemonConfig) mergeEnvironment() error {
	if dir := os.Getenv("NICHTS_STORE_DIR"); dir != "" {
		c.Directory = dir
	}
	if sock := os.Getenv("NICHTS_STORE_SOCKET"); sock != "" {
		c.Socket = sock
	}
	if alg := os.Getenv("NICHTS_HASH_ALGORITHM"); alg != "" {
		parsed, err := storepath.ParseAlgorithm(alg)
		if err != nil {
			return fmt.Errorf("NICHTS_HASH_ALGORITHM: %w", err)
		}
		c.Algorithm = parsed
	}
	return nil
}

// mergeFiles reads each hujson config file in paths (skipping ones that
// don't exist) and merges its fields into c, later files overriding
// earlier ones field-by-field.
func (c *daemonConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, c, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// UnmarshalJSONFrom merges the configuration object from the JSON
// decoder, leaving fields the object doesn't mention untouched —
// matching globalConfig.UnmarshalJSONFrom's field-at-a-time merge in the
// teacher's cmd/zb/config.go, so that a later file can override just one
// setting from an earlier one.
func (c *daemonConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			if err := jsonv2.UnmarshalDecode(in, &c.Debug); err != nil {
				return fmt.Errorf("unmarshal config.debug: %w", err)
			}
		case "storeDirectory":
			if err := jsonv2.UnmarshalDecode(in, &c.Directory); err != nil {
				return fmt.Errorf("unmarshal config.storeDirectory: %w", err)
			}
		case "storeSocket":
			if err := jsonv2.UnmarshalDecode(in, &c.Socket); err != nil {
				return fmt.Errorf("unmarshal config.storeSocket: %w", err)
			}
		case "hashAlgorithm":
			var s string
			if err := jsonv2.UnmarshalDecode(in, &s); err != nil {
				return fmt.Errorf("unmarshal config.hashAlgorithm: %w", err)
			}
			alg, err := storepath.ParseAlgorithm(s)
			if err != nil {
				return fmt.Errorf("unmarshal config.hashAlgorithm: %w", err)
			}
			c.Algorithm = alg
		case "totalRAM":
			if err := jsonv2.UnmarshalDecode(in, &c.TotalRAM); err != nil {
				return fmt.Errorf("unmarshal config.totalRAM: %w", err)
			}
		case "adminAddress":
			if err := jsonv2.UnmarshalDecode(in, &c.AdminAddr); err != nil {
				return fmt.Errorf("unmarshal config.adminAddress: %w", err)
			}
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
		}
	}
}

func (c *daemonConfig) validate() error {
	if !filepath.IsAbs(c.Directory) {
		return fmt.Errorf("store directory %q is not absolute", c.Directory)
	}
	if c.Socket == "" {
		return fmt.Errorf("store socket path not set")
	}
	if c.TotalRAM <= 0 {
		return fmt.Errorf("total RAM budget must be positive")
	}
	return nil
}
