// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateThread validates a Thread according to its struct tags.
//
// Validation rules:
//   - ID must not be empty
//   - UpvoteRatio must be within [0, 1]
//   - NumComments and timestamps must not be negative
func ValidateThread(thread *Thread) error {
	if thread == nil {
		return fmt.Errorf("%w: thread is nil", ErrInvalidThread)
	}
	if err := validate.Struct(thread); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidThread, err)
	}
	return nil
}

// ValidateComment validates a Comment according to its struct tags.
//
// Validation rules:
//   - ID and ParentID must not be empty
//   - a comment cannot be its own parent
//   - CreatedUTC must not be negative
//
// NOT validated:
//   - ThreadID (routing hint, may be empty)
//   - whether the parent exists (referential consistency is the caller's job)
func ValidateComment(comment *Comment) error {
	if comment == nil {
		return fmt.Errorf("%w: comment is nil", ErrInvalidComment)
	}
	if err := validate.Struct(comment); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidComment, err)
	}
	return nil
}
