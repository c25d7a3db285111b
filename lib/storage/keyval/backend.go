/*
Copyright 2021 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package keyval implements the controller state store on top of a
// local BoltDB file
package keyval

import (
	"encoding/json"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

const (
	plansP   = "plans"
	targetsP = "targets"
	locksP   = "locks"
)

// backend implements the storage interface on top of a kv engine
type backend struct {
	clockwork.Clock
	kvengine
}

func (b *backend) Close() error {
	return b.kvengine.Close()
}

// Codec is responsible for encoding/decoding objects
type Codec interface {
	EncodeToBytes(val interface{}) ([]byte, error)
	DecodeFromBytes(data []byte, in interface{}) error
}

type jsonCodec struct {
}

func (*jsonCodec) EncodeToBytes(val interface{}) ([]byte, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

func (*jsonCodec) DecodeFromBytes(data []byte, in interface{}) error {
	err := json.Unmarshal(data, in)
	if err != nil {
		return trace.Wrap(err)
	}
	return nil
}
