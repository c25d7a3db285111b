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

package keyval

import (
	"io"
	"time"
)

type kvengine interface {
	io.Closer
	key(prefix string, keys ...string) key
	createVal(key key, val interface{}) error
	upsertVal(key key, val interface{}) error
	// compareAndSwap replaces the value at key with val only if the
	// current contents match prevVal
	compareAndSwap(key key, val interface{}, prevVal interface{}) error
	getVal(key key, val interface{}) error
	deleteKey(key key) error
	tryAcquireLock(token key, ttl time.Duration) error
	releaseLock(token key) error
	getKeys(key key) ([]string, error)
}

type key []string
