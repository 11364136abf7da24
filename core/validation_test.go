package core

import (
	"errors"
	"testing"
)

func TestValidateThread(t *testing.T) {
	tests := []struct {
		name    string
		thread  *Thread
		wantErr error
	}{
		{
			name:    "valid thread",
			thread:  &Thread{ID: "t1", Title: "hello", UpvoteRatio: 0.97, CreatedUTC: 1000, LastActivityUTC: 1000},
			wantErr: nil,
		},
		{
			name:    "valid thread with zero ratio",
			thread:  &Thread{ID: "t1", UpvoteRatio: 0},
			wantErr: nil,
		},
		{
			name:    "nil thread",
			thread:  nil,
			wantErr: ErrInvalidThread,
		},
		{
			name:    "missing id",
			thread:  &Thread{Title: "no id"},
			wantErr: ErrInvalidThread,
		},
		{
			name:    "ratio above one",
			thread:  &Thread{ID: "t1", UpvoteRatio: 1.5},
			wantErr: ErrInvalidThread,
		},
		{
			name:    "negative comment count",
			thread:  &Thread{ID: "t1", NumComments: -1},
			wantErr: ErrInvalidThread,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateThread(tt.thread)

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateThread() error = %v, want nil", err)
				}
				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateThread() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateComment(t *testing.T) {
	tests := []struct {
		name    string
		comment *Comment
		wantErr error
	}{
		{
			name:    "valid comment",
			comment: &Comment{ID: "c1", ParentID: "t1", CreatedUTC: 1050},
			wantErr: nil,
		},
		{
			name:    "valid comment without thread hint",
			comment: &Comment{ID: "c2", ParentID: "c1"},
			wantErr: nil,
		},
		{
			name:    "nil comment",
			comment: nil,
			wantErr: ErrInvalidComment,
		},
		{
			name:    "missing parent",
			comment: &Comment{ID: "c1"},
			wantErr: ErrInvalidComment,
		},
		{
			name:    "self parent",
			comment: &Comment{ID: "c1", ParentID: "c1"},
			wantErr: ErrInvalidComment,
		},
		{
			name:    "negative timestamp",
			comment: &Comment{ID: "c1", ParentID: "t1", CreatedUTC: -5},
			wantErr: ErrInvalidComment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateComment(tt.comment)

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateComment() error = %v, want nil", err)
				}
				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateComment() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
