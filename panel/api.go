package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// status code and body of a non-200 api response
type ApiError struct {
	StatusCode int
	Message    string
}

func (self *ApiError) Error() string {
	return fmt.Sprintf("api error %d: %s", self.StatusCode, self.Message)
}

// `result` may be nil when the response body is ignored
func callApi(
	ctx context.Context,
	client *http.Client,
	method string,
	url string,
	args any,
	accessToken string,
	result any,
) error {
	var body io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}

	if args != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	if accessToken != "" {
		auth := fmt.Sprintf("Bearer %s", accessToken)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		return &ApiError{
			StatusCode: r.StatusCode,
			Message:    strings.TrimSpace(string(responseBodyBytes)),
		}
	}

	if err != nil {
		return err
	}

	if result == nil || len(responseBodyBytes) == 0 {
		return nil
	}
	return json.Unmarshal(responseBodyBytes, result)
}

// maps a websocket url to the rest api root
// e.g. wss://host/api/websocket -> https://host/api
func apiUrlFromWsUrl(wsUrl string) (string, error) {
	var apiUrl string
	switch {
	case strings.HasPrefix(wsUrl, "wss://"):
		apiUrl = "https://" + strings.TrimPrefix(wsUrl, "wss://")
	case strings.HasPrefix(wsUrl, "ws://"):
		apiUrl = "http://" + strings.TrimPrefix(wsUrl, "ws://")
	default:
		return "", errors.New("Websocket url must start with ws:// or wss://")
	}
	return strings.TrimSuffix(apiUrl, "/websocket"), nil
}
