/*
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

// Package errs defines the scaler's error taxonomy: a small set of kinds
// the allocator, cache, and cursor engine branch on, wrapped with
// structured context via serrors.
package errs

import (
	"errors"

	"github.com/awslabs/operatorpkg/serrors"
)

// Sentinel kinds. Callers compare with errors.Is; the underlying error is
// always wrapped with serrors.Wrap to carry key/value context for logging.
var (
	// ErrNotFound covers a missing cursor id, an image absent from the
	// cache, or a worker that has already vanished. Locally recovered:
	// the scaler skips the deadline or treats the worker as already gone.
	ErrNotFound = errors.New("not found")
	// ErrTransient covers backend API timeouts, cursor page errors, and
	// cache-store failures. The tick proceeds with stale data or aborts
	// the current phase; the next tick retries.
	ErrTransient = errors.New("transient I/O error")
	// ErrInvalidConfig covers an unknown scaler type, a malformed resource
	// string, or a cyclic pipeline reference. Fatal at startup.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrBanned covers an image or pipeline that has accumulated a ban.
	// Not fatal: the scaler skips the banned work and the user is
	// notified through the API layer's notification feed (out of scope
	// here; the scaler only needs to skip).
	ErrBanned = errors.New("banned")
)

// NotFound wraps err as ErrNotFound with key/value context.
func NotFound(err error, kv ...interface{}) error {
	return serrors.Wrap(errors.Join(ErrNotFound, err), kv...)
}

// Transient wraps err as ErrTransient with key/value context.
func Transient(err error, kv ...interface{}) error {
	return serrors.Wrap(errors.Join(ErrTransient, err), kv...)
}

// InvalidConfig wraps err as ErrInvalidConfig with key/value context.
func InvalidConfig(err error, kv ...interface{}) error {
	return serrors.Wrap(errors.Join(ErrInvalidConfig, err), kv...)
}

// Banned wraps err as ErrBanned with key/value context.
func Banned(err error, kv ...interface{}) error {
	return serrors.Wrap(errors.Join(ErrBanned, err), kv...)
}
