package relay

import (
	"bytes"
	"fmt"
	"io"
)

// Relay stages, used to tell where a relay broke down.
const (
	StageFetch    = "fetch"
	StageCreate   = "create"
	StagePart     = "part"
	StageUpload   = "upload"
	StageComplete = "complete"
)

// RelayError reports a relay that did not produce an object. When Stage is
// StagePart, Part is the part number that failed.
type RelayError struct {
	Key   string
	URL   string
	Stage string
	Part  int32
	Err   error
}

func (e *RelayError) Error() string {
	if e.Stage == StagePart {
		return fmt.Sprintf("relay %s: part %d: %v", e.Key, e.Part, e.Err)
	}
	return fmt.Sprintf("relay %s: %s: %v", e.Key, e.Stage, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// bytesReader wraps a part buffer as a seekable UploadPart body.
func bytesReader(b []byte) io.ReadSeeker {
	return bytes.NewReader(b)
}
