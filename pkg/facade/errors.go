/*
Copyright 2025 Overlaymgr Contributors.

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

package facade

import "errors"

// ErrBadArgument is returned for a negative userId or other argument out
// of its valid range.
var ErrBadArgument = errors.New("facade: bad argument")

// ErrPermissionDenied is returned when the caller's identity lacks the
// capability an operation requires.
var ErrPermissionDenied = errors.New("facade: permission denied")
