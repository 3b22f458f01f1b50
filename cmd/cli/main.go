package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smallwat3r/codedrop/internal/domain"
	"github.com/smallwat3r/codedrop/internal/utility"
)

const defaultBaseURL = "http://localhost:8080"

const maxRetries = 5

var retryDelay = 1 * time.Second

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := strings.TrimRight(utility.Getenv("CODEDROP_API_URL", defaultBaseURL), "/")

	var err error
	switch os.Args[1] {
	case "send":
		if len(os.Args) != 3 && len(os.Args) != 4 {
			fmt.Fprintf(os.Stderr, "Usage: %s send <text> [email]\n", os.Args[0])
			os.Exit(1)
		}
		err = sendText(baseURL, os.Args[2], optionalArg(3))
	case "send-image":
		if len(os.Args) != 3 && len(os.Args) != 4 {
			fmt.Fprintf(os.Stderr, "Usage: %s send-image <file> [email]\n", os.Args[0])
			os.Exit(1)
		}
		err = sendImage(baseURL, os.Args[2], optionalArg(3))
	case "receive":
		if len(os.Args) != 3 && len(os.Args) != 4 {
			fmt.Fprintf(os.Stderr, "Usage: %s receive <code> [output-file]\n", os.Args[0])
			os.Exit(1)
		}
		err = receive(baseURL, os.Args[2], optionalArg(3))
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func optionalArg(i int) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return ""
}

func printUsage() {
	fmt.Printf("Usage: %s <command> [arguments]\n", os.Args[0])
	fmt.Println("Share text or images with a 6-digit code.")
	fmt.Println("\nCommands:")
	fmt.Println("  send <text> [email]            Send text, optionally get a read receipt by email")
	fmt.Println("  send-image <file> [email]      Send an image (jpeg, png, gif, webp)")
	fmt.Println("  receive <code> [output-file]   Receive a transfer, saving images to output-file")
	fmt.Println("  help                           Show this help message")
	fmt.Println("\nEnvironment variables:")
	fmt.Printf("  CODEDROP_API_URL               Base URL of the codedrop API (default: %s)\n", defaultBaseURL)
}

// doRequestWithRetry handles retries for serverless instances that may need to wake up.
func doRequestWithRetry(req *http.Request) (*http.Response, error) {
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			log.Printf("server returned 502, retrying in %v... (%d/%d)", retryDelay, i, maxRetries-1)
			time.Sleep(retryDelay)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				req.Body = body
			}
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusBadGateway {
			return resp, nil
		}

		resp.Body.Close()
	}

	return nil, fmt.Errorf("server unavailable after %d retries", maxRetries)
}

// apiError turns an error response into a readable message.
func apiError(action string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var res struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &res) == nil && res.Error != "" {
		return fmt.Errorf("failed to %s: %s (status %d)", action, res.Error, resp.StatusCode)
	}
	return fmt.Errorf("failed to %s: status %d, body: %s", action, resp.StatusCode, body)
}

func sendText(baseURL, text, email string) error {
	reqBody, err := json.Marshal(domain.CreateReq{Content: text, Type: string(domain.TypeText), Email: email})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return send(baseURL, "application/json", reqBody)
}

func sendImage(baseURL, path, email string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("type", string(domain.TypeImage)); err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if email != "" {
		if err := mw.WriteField("email", email); err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if _, err := io.Copy(fw, io.LimitReader(f, domain.MaxImageSize+1)); err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	return send(baseURL, mw.FormDataContentType(), buf.Bytes())
}

func send(baseURL, contentType string, reqBody []byte) error {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/transfers", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(reqBody)), nil
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := doRequestWithRetry(req)
	if err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return apiError("send", resp)
	}

	var createRes domain.CreateRes
	if err := json.NewDecoder(resp.Body).Decode(&createRes); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Println("Your transfer is ready:")
	fmt.Printf("Code: %s\n", createRes.Code)
	fmt.Printf("Expires in: %ds (%s)\n", createRes.ExpiresIn, createRes.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func receive(baseURL, code, output string) error {
	if !domain.ValidCode(code) {
		return errors.New("code must be 6 digits")
	}

	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/transfers/"+code, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := doRequestWithRetry(req)
	if err != nil {
		return fmt.Errorf("failed to receive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError("receive", resp)
	}

	var readRes domain.ReadRes
	if err := json.NewDecoder(resp.Body).Decode(&readRes); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if readRes.Type != domain.TypeImage {
		fmt.Println(readRes.Content)
		return nil
	}
	if output == "" {
		fmt.Printf("Image: %s\n", readRes.Content)
		return nil
	}
	return download(readRes.Content, readRes.Checksum, output)
}

// download saves the image at url to output, refusing bytes that do not
// match checksum when one is given.
func download(url, checksum, output string) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, domain.MaxImageSize+1))
	if err != nil {
		return fmt.Errorf("failed to download image: %w", err)
	}
	if checksum != "" && !utility.VerifyChecksum(data, checksum) {
		return errors.New("downloaded image does not match its checksum")
	}

	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}

	fmt.Printf("Saved image to %s (%d bytes)\n", output, len(data))
	return nil
}
