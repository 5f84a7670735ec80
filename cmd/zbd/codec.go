// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"io"
)

// codec is an unframed [jsonrpc.ServerCodec] that reads and writes
// newline-delimited JSON values over a connection, matching the codec
// used in internal/jsonrpc's own package example.
type codec struct {
	enc *json.Encoder
	dec *json.Decoder
	c   io.Closer
}

func newCodec(rwc io.ReadWriteCloser) *codec {
	c := &codec{
		enc: json.NewEncoder(rwc),
		dec: json.NewDecoder(rwc),
		c:   rwc,
	}
	c.dec.UseNumber()
	return c
}

func (c *codec) ReadRequest() (json.RawMessage, error) {
	var msg json.RawMessage
	if err := c.dec.Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *codec) WriteResponse(response json.RawMessage) error {
	return c.enc.Encode(response)
}

func (c *codec) Close() error {
	return c.c.Close()
}
