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

package storage

import (
	"fmt"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/forumstore/core"
)

// recordVersion prefixes every encoded record so the layout can change later.
const recordVersion = 1

// MarshalThread serializes a Thread to bytes.
func MarshalThread(t core.Thread) []byte {
	size := varint.Int.Size(recordVersion) +
		ord.String.Size(t.ID) +
		ord.String.Size(t.Subreddit) +
		ord.String.Size(t.Title) +
		ord.String.Size(t.Author) +
		ord.String.Size(t.Body) +
		varint.Int64.Size(t.CreatedUTC) +
		ord.String.Size(t.Permalink) +
		varint.Int.Size(t.Score) +
		raw.Float64.Size(t.UpvoteRatio) +
		varint.Int.Size(t.NumComments) +
		varint.Int64.Size(t.LastActivityUTC) +
		ord.String.Size(t.ImageURL) +
		varint.Int64.Size(t.FetchedAt)

	buf := make([]byte, size)
	n := varint.Int.Marshal(recordVersion, buf)
	n += ord.String.Marshal(t.ID, buf[n:])
	n += ord.String.Marshal(t.Subreddit, buf[n:])
	n += ord.String.Marshal(t.Title, buf[n:])
	n += ord.String.Marshal(t.Author, buf[n:])
	n += ord.String.Marshal(t.Body, buf[n:])
	n += varint.Int64.Marshal(t.CreatedUTC, buf[n:])
	n += ord.String.Marshal(t.Permalink, buf[n:])
	n += varint.Int.Marshal(t.Score, buf[n:])
	n += raw.Float64.Marshal(t.UpvoteRatio, buf[n:])
	n += varint.Int.Marshal(t.NumComments, buf[n:])
	n += varint.Int64.Marshal(t.LastActivityUTC, buf[n:])
	n += ord.String.Marshal(t.ImageURL, buf[n:])
	varint.Int64.Marshal(t.FetchedAt, buf[n:])
	return buf
}

// UnmarshalThread deserializes a Thread from bytes.
func UnmarshalThread(data []byte) (core.Thread, error) {
	var t core.Thread
	d := decoder{bs: data}
	d.version()
	t.ID = d.string()
	t.Subreddit = d.string()
	t.Title = d.string()
	t.Author = d.string()
	t.Body = d.string()
	t.CreatedUTC = d.int64()
	t.Permalink = d.string()
	t.Score = d.int()
	t.UpvoteRatio = d.float64()
	t.NumComments = d.int()
	t.LastActivityUTC = d.int64()
	t.ImageURL = d.string()
	t.FetchedAt = d.int64()
	if d.err != nil {
		return core.Thread{}, fmt.Errorf("%w: thread: %w", ErrSerializationFailed, d.err)
	}
	return t, nil
}

// MarshalComment serializes a Comment to bytes. ThreadID is not encoded.
func MarshalComment(c core.Comment) []byte {
	size := varint.Int.Size(recordVersion) +
		ord.String.Size(c.ID) +
		ord.String.Size(c.ParentID) +
		ord.String.Size(c.Author) +
		ord.String.Size(c.Body) +
		varint.Int.Size(c.Score) +
		varint.Int64.Size(c.CreatedUTC) +
		varint.Int64.Size(c.FetchedAt) +
		varint.Int.Size(len(c.ImageURLs))
	for _, u := range c.ImageURLs {
		size += ord.String.Size(u)
	}

	buf := make([]byte, size)
	n := varint.Int.Marshal(recordVersion, buf)
	n += ord.String.Marshal(c.ID, buf[n:])
	n += ord.String.Marshal(c.ParentID, buf[n:])
	n += ord.String.Marshal(c.Author, buf[n:])
	n += ord.String.Marshal(c.Body, buf[n:])
	n += varint.Int.Marshal(c.Score, buf[n:])
	n += varint.Int64.Marshal(c.CreatedUTC, buf[n:])
	n += varint.Int64.Marshal(c.FetchedAt, buf[n:])
	n += varint.Int.Marshal(len(c.ImageURLs), buf[n:])
	for _, u := range c.ImageURLs {
		n += ord.String.Marshal(u, buf[n:])
	}
	return buf
}

// UnmarshalComment deserializes a Comment from bytes.
func UnmarshalComment(data []byte) (core.Comment, error) {
	var c core.Comment
	d := decoder{bs: data}
	d.version()
	c.ID = d.string()
	c.ParentID = d.string()
	c.Author = d.string()
	c.Body = d.string()
	c.Score = d.int()
	c.CreatedUTC = d.int64()
	c.FetchedAt = d.int64()
	count := d.int()
	if d.err == nil && (count < 0 || count > len(data)) {
		d.err = fmt.Errorf("bad image count %d", count)
	}
	for i := 0; i < count && d.err == nil; i++ {
		c.ImageURLs = append(c.ImageURLs, d.string())
	}
	if d.err != nil {
		return core.Comment{}, fmt.Errorf("%w: comment: %w", ErrSerializationFailed, d.err)
	}
	return c, nil
}

// decoder reads fields sequentially and remembers the first error.
type decoder struct {
	bs  []byte
	n   int
	err error
}

func (d *decoder) version() {
	v := d.int()
	if d.err == nil && v != recordVersion {
		d.err = fmt.Errorf("unsupported record version %d", v)
	}
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) int() int {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) int64() int64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) float64() float64 {
	if d.err != nil {
		return 0
	}
	v, n, err := raw.Float64.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}
