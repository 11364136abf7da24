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
	"slices"
	"strings"
	"time"
)

// Thread is a root-level discussion post.
//
// Threads are immutable values: "changing" a field means building a new
// Thread and replacing whatever slot held the old one.
type Thread struct {
	ID              string  `json:"id" validate:"required"`
	Subreddit       string  `json:"subreddit"`
	Title           string  `json:"title"`
	Author          string  `json:"author"`
	Body            string  `json:"body"`
	CreatedUTC      int64   `json:"created_utc" validate:"gte=0"`       // write-once
	Permalink       string  `json:"permalink"`
	Score           int     `json:"score"`
	UpvoteRatio     float64 `json:"upvote_ratio" validate:"gte=0,lte=1"`
	NumComments     int     `json:"num_comments" validate:"gte=0"`
	LastActivityUTC int64   `json:"last_activity_utc" validate:"gte=0"` // never decreases
	ImageURL        string  `json:"image_url,omitempty"`
	FetchedAt       int64   `json:"fetched_at"` // set by the store on every write
}

// Comment is a reply to a thread or to another comment.
type Comment struct {
	ID         string   `json:"id" validate:"required"`
	ParentID   string   `json:"parent_id" validate:"required,nefield=ID"`
	Author     string   `json:"author"`
	Body       string   `json:"body"`
	Score      int      `json:"score"`
	CreatedUTC int64    `json:"created_utc" validate:"gte=0"`
	FetchedAt  int64    `json:"fetched_at"`
	ImageURLs  []string `json:"image_urls,omitempty"`

	// ThreadID names the root thread of the comment's tree. It is never
	// persisted; producers set it when they know it and reads that start
	// from a thread fill it in.
	ThreadID string `json:"thread_id,omitempty"`
}

// Created returns the creation time.
func (t Thread) Created() time.Time {
	return time.Unix(t.CreatedUTC, 0).UTC()
}

// LastActivity returns the last activity time.
func (t Thread) LastActivity() time.Time {
	return time.Unix(t.LastActivityUTC, 0).UTC()
}

// WithLastActivity returns a copy of t whose activity is max(current, ts).
func (t Thread) WithLastActivity(ts int64) Thread {
	if ts > t.LastActivityUTC {
		t.LastActivityUTC = ts
	}
	return t
}

// Merge returns t as a re-observation of prev: the creation timestamp of
// prev wins when set, and activity never moves backwards.
func (t Thread) Merge(prev Thread) Thread {
	if prev.CreatedUTC != 0 {
		t.CreatedUTC = prev.CreatedUTC
	}
	return t.WithLastActivity(prev.LastActivityUTC)
}

// Created returns the creation time.
func (c Comment) Created() time.Time {
	return time.Unix(c.CreatedUTC, 0).UTC()
}

// Clone returns a copy of c that shares no slices with it.
func (c Comment) Clone() Comment {
	c.ImageURLs = slices.Clone(c.ImageURLs)
	return c
}

// Merge returns c as a re-observation of prev, keeping the original
// creation timestamp.
func (c Comment) Merge(prev Comment) Comment {
	if prev.CreatedUTC != 0 {
		c.CreatedUTC = prev.CreatedUTC
	}
	if c.ThreadID == "" {
		c.ThreadID = prev.ThreadID
	}
	return c
}

// SortCommentsNewestFirst orders comments by creation time descending.
// Ties are broken by ID so the order is stable across stores.
func SortCommentsNewestFirst(comments []Comment) {
	slices.SortFunc(comments, func(a, b Comment) int {
		if a.CreatedUTC != b.CreatedUTC {
			if a.CreatedUTC > b.CreatedUTC {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}
