package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"
)

// HTTPClient uploads files to an upload service over HTTP multipart
// form requests.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a transport client for the given upload service
// base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// progressReader counts bytes as they are consumed by the HTTP client
// and forwards the running total to the progress callback.
type progressReader struct {
	r          io.Reader
	uploaded   int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.uploaded += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.uploaded)
		}
	}
	return n, err
}

// Upload sends a complete payload as one multipart POST
func (c *HTTPClient) Upload(ctx context.Context, p Payload, onProgress ProgressFunc) (*Result, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		part, err := createFilePart(writer, p.FileName, p.MimeType)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, p.Body); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := writer.WriteField("session_id", p.SessionID); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	body := &progressReader{r: pr, onProgress: onProgress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readStatusError(resp)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode upload result: %w", err)
	}
	return &result, nil
}

// UploadChunk sends one chunk as a multipart POST with range metadata
func (c *HTTPClient) UploadChunk(ctx context.Context, ch ChunkPayload, onProgress ProgressFunc) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := createFilePart(writer, ch.FileName, "application/octet-stream")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, ch.Body); err != nil {
		return fmt.Errorf("failed to buffer chunk: %w", err)
	}

	fields := map[string]string{
		"upload_id":    ch.UploadID,
		"chunk_index":  strconv.Itoa(ch.Index),
		"total_chunks": strconv.Itoa(ch.Total),
		"chunk_size":   strconv.FormatInt(ch.Size, 10),
	}
	if ch.Checksum != "" {
		fields["checksum"] = ch.Checksum
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart body: %w", err)
	}

	body := &progressReader{r: &buf, onProgress: onProgress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chunks", body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chunk upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readStatusError(resp)
	}
	return nil
}

// Finalize asks the server to assemble all received chunks into the
// final file.
func (c *HTTPClient) Finalize(ctx context.Context, uploadID string, totalChunks int) (*Result, error) {
	reqBody, err := json.Marshal(map[string]any{
		"upload_id":    uploadID,
		"total_chunks": totalChunks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode finalize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chunks/finalize", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("finalize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readStatusError(resp)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode finalize result: %w", err)
	}
	return &result, nil
}

func createFilePart(writer *multipart.Writer, filename, mimeType string) (io.Writer, error) {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form part: %w", err)
	}
	return part, nil
}

func readStatusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
}
