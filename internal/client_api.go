package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"roomshare/internal/room"
	"roomshare/internal/share"
)

var (
	httpTimeout   = 5 * time.Second
	uploadTimeout = 10 * time.Minute
)

// Identity is what a client remembers between runs so a reconnect resumes
// the same user instead of creating a new one.
type Identity struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
}

type uploadResult struct {
	File    room.FileInfo `json:"file"`
	SHA256  string        `json:"sha256"`
	Message room.Message  `json:"message"`
}

func apiCreateRoom(baseURL, key, password string) (roomResponse, error) {
	var resp roomResponse
	payload := createRoomRequest{Room: key, Password: password}
	err := doJSONRequest(http.MethodPost, baseURL+"/api/rooms", "", payload, &resp)
	return resp, err
}

func apiRoomExists(baseURL, key string) (bool, error) {
	var resp roomResponse
	err := doJSONRequest(http.MethodGet, baseURL+"/api/rooms/"+url.PathEscape(key), "", nil, &resp)
	var status *statusError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func apiCreateShare(baseURL string, req createShareRequest) (createShareResponse, error) {
	var resp createShareResponse
	err := doJSONRequest(http.MethodPost, baseURL+"/api/shares", "", req, &resp)
	return resp, err
}

func apiListShares(baseURL, socketID string) ([]share.Info, error) {
	var resp struct {
		Shares []share.Info `json:"shares"`
	}
	err := doJSONRequest(http.MethodGet, baseURL+"/api/shares", socketID, nil, &resp)
	return resp.Shares, err
}

func apiRevokeShare(baseURL, socketID, id string) error {
	return doJSONRequest(http.MethodPost, baseURL+"/api/shares/"+url.PathEscape(id)+"/revoke", socketID, nil, nil)
}

func apiStats(baseURL string) (Stats, error) {
	var st Stats
	err := doJSONRequest(http.MethodGet, baseURL+"/api/stats", "", nil, &st)
	return st, err
}

// apiUpload streams the file at path to the room as the connection's user.
func apiUpload(baseURL, roomKey, socketID, path string) (uploadResult, error) {
	var result uploadResult
	file, err := os.Open(path)
	if err != nil {
		return result, err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		err := writer.WriteField("socket_id", socketID)
		if err == nil {
			var part io.Writer
			part, err = writer.CreateFormFile("file", filepath.Base(path))
			if err == nil {
				_, err = io.Copy(part, file)
			}
		}
		if err == nil {
			err = writer.Close()
		}
		pw.CloseWithError(err)
	}()

	endpoint := baseURL + "/api/rooms/" + url.PathEscape(roomKey) + "/files"
	req, err := http.NewRequest(http.MethodPost, endpoint, pr)
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := (&http.Client{Timeout: uploadTimeout}).Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &statusError{code: resp.StatusCode, msg: readResponseError(resp.Body)}
	}
	err = json.NewDecoder(resp.Body).Decode(&result)
	return result, err
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.code, e.msg)
}

func doJSONRequest(method, endpoint, socketID string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if socketID != "" {
		req.Header.Set(socketHeader, socketID)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, msg: readResponseError(resp.Body)}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed errorBody
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(data))
}

func httpBaseFromJoinURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

// LoadIdentity reads a saved identity. A missing file is not an error.
func LoadIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Identity{}, nil
		}
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// SaveIdentity writes id atomically with owner-only permissions.
func SaveIdentity(path string, id Identity) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
