package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	ierrors "github.com/amanmcp-lab/codeindexer/internal/errors"
)

// writeFileAtomic writes data to a sibling .tmp file with mode 0o600, then
// renames it into place, so no partially written file is ever observable.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func writeRecordFile(path string, r Record) error {
	rf := recordFile{ID: r.ID, Vector: r.Vector, Payload: r.Payload, Metadata: r.Metadata}
	data, err := json.Marshal(rf)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return writeFileAtomic(path, data)
}

func readRecordFile(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rf recordFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return Record{}, ierrors.New(ierrors.ErrCodeCorruptRecord, fmt.Sprintf("corrupt record file %q", path), err)
	}
	return Record{ID: rf.ID, Vector: rf.Vector, Payload: rf.Payload, Metadata: rf.Metadata}, nil
}
