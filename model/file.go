package model

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/wylited/lsendd/lserr"
)

// FileExtraMetadata carries the optional, never-interpreted filesystem
// timestamps the LocalSend protocol allows a sender to attach to a file.
type FileExtraMetadata struct {
	Modified string `json:"modified,omitempty"`
	Accessed string `json:"accessed,omitempty"`
}

// FileMetadata describes one file within a TransferSession. Id is opaque
// and scoped to a single session; FileName is an untrusted string that
// MUST be reduced to its final path component before ever touching the
// filesystem (see Basename).
type FileMetadata struct {
	ID       string             `json:"id"`
	FileName string             `json:"fileName"`
	Size     int64              `json:"size"`
	FileType string             `json:"fileType"`
	SHA256   string             `json:"sha256,omitempty"`
	Preview  string             `json:"preview,omitempty"`
	Extra    *FileExtraMetadata `json:"metadata,omitempty"`
}

// Basename reduces an untrusted fileName to its final path component,
// preventing directory traversal when it is joined to a download
// directory. filepath.Base keeps only the last element, so "../" segments
// and leading separators are dropped. Backslashes are separators only on
// Windows; elsewhere they remain ordinary characters of the name.
func Basename(fileName string) string {
	return filepath.Base(filepath.Clean(fileName))
}

// BuildFileMetadata stats path and returns a FileMetadata describing it,
// scoped to the caller-supplied opaque id. When withHash is true the
// file's SHA-256 digest is computed by streaming its contents; this is
// optional per spec.md §3 because it requires a full read of the file.
func BuildFileMetadata(id, path string, withHash bool) (FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileMetadata{}, err
	}
	if info.IsDir() {
		return FileMetadata{}, lserr.New(lserr.NotAFile, path)
	}

	meta := FileMetadata{
		ID:       id,
		FileName: filepath.Base(path),
		Size:     info.Size(),
		FileType: "application/octet-stream",
	}

	if withHash {
		sum, err := sha256File(path)
		if err != nil {
			return FileMetadata{}, err
		}
		meta.SHA256 = sum
	}

	return meta, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
