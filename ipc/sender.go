/* SPDX-License-Identifier: MIT */

package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/wylited/lsendd/model"
)

// HTTPSender is the production Sender: it drives the client role of
// spec.md §4.4 against a peer's HTTP API — prepare-upload once, then
// upload the file's bytes — mirroring the two-call shape handleSend
// dispatches to.
type HTTPSender struct {
	Client *http.Client
}

// NewHTTPSender builds a Sender with a bounded-timeout client; the upload
// request itself runs on a copy of that client with no timeout, since body
// size is unbounded.
func NewHTTPSender() *HTTPSender {
	return &HTTPSender{Client: &http.Client{Timeout: 30 * time.Second}}
}

type sendPrepareRequest struct {
	Info  model.DeviceRecord          `json:"info"`
	Files map[string]model.FileMetadata `json:"files"`
}

type sendPrepareResponse struct {
	SessionID string            `json:"sessionId"`
	Files     map[string]string `json:"files"`
}

// Send implements Sender.
func (h *HTTPSender) Send(peerAddr string, peerPort int, peerProtocol string, self model.DeviceRecord, path string) error {
	if peerProtocol == "" {
		peerProtocol = "http"
	}
	base := fmt.Sprintf("%s://%s:%d", peerProtocol, peerAddr, peerPort)

	fileID := uuid.NewString()
	meta, err := model.BuildFileMetadata(fileID, path, false)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	prepBody, err := json.Marshal(sendPrepareRequest{
		Info:  self,
		Files: map[string]model.FileMetadata{fileID: meta},
	})
	if err != nil {
		return err
	}

	prepResp, err := h.Client.Post(base+"/api/localsend/v2/prepare-upload", "application/json", bytes.NewReader(prepBody))
	if err != nil {
		return fmt.Errorf("prepare-upload: %w", err)
	}
	defer prepResp.Body.Close()
	if prepResp.StatusCode != http.StatusOK {
		return fmt.Errorf("prepare-upload: peer returned %d", prepResp.StatusCode)
	}

	var prep sendPrepareResponse
	if err := json.NewDecoder(prepResp.Body).Decode(&prep); err != nil {
		return fmt.Errorf("prepare-upload: decode response: %w", err)
	}
	token, ok := prep.Files[fileID]
	if !ok {
		return fmt.Errorf("prepare-upload: peer did not issue a token for %s", fileID)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	uploadURL := fmt.Sprintf("%s/api/localsend/v2/upload?sessionId=%s&fileId=%s&token=%s", base, prep.SessionID, fileID, token)
	uploadClient := *h.Client
	uploadClient.Timeout = 0
	uploadResp, err := uploadClient.Post(uploadURL, "application/octet-stream", f)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer uploadResp.Body.Close()
	if uploadResp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload: peer returned %d", uploadResp.StatusCode)
	}
	return nil
}
