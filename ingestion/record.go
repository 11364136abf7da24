package ingestion

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/poiesic/forumstore/core"
)

// maxLineSize bounds a single dump line. Thread bodies can be long.
const maxLineSize = 4 << 20

// record is one line of a dump file.
type record struct {
	Thread  *core.Thread  `json:"thread,omitempty"`
	Comment *core.Comment `json:"comment,omitempty"`
}

// fileBatch is the decoded, validated content of one dump file.
type fileBatch struct {
	path     string
	threads  []core.Thread
	comments []core.Comment
	invalid  int
	err      error
}

// parseRecord decodes and validates one dump line.
func parseRecord(line []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return record{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	switch {
	case rec.Thread != nil && rec.Comment == nil:
		return rec, core.ValidateThread(rec.Thread)
	case rec.Comment != nil && rec.Thread == nil:
		return rec, core.ValidateComment(rec.Comment)
	default:
		return record{}, fmt.Errorf("%w: want exactly one of thread or comment", ErrMalformedRecord)
	}
}

// decode reads a whole dump. onInvalid is called for each rejected line.
func decode(r io.Reader, batch *fileBatch, onInvalid func(line int, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		rec, err := parseRecord(line)
		if err != nil {
			batch.invalid++
			onInvalid(lineNo, err)
			continue
		}
		if rec.Thread != nil {
			batch.threads = append(batch.threads, *rec.Thread)
		} else {
			batch.comments = append(batch.comments, *rec.Comment)
		}
	}
	return scanner.Err()
}

// decodeFile opens and decodes the dump at path.
func decodeFile(path string, onInvalid func(line int, err error)) fileBatch {
	batch := fileBatch{path: path}
	f, err := os.Open(path)
	if err != nil {
		batch.err = err
		return batch
	}
	defer f.Close()

	if err := decode(f, &batch, onInvalid); err != nil {
		batch.err = fmt.Errorf("read %s: %w", path, err)
	}
	return batch
}
