package fluidsynctest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// MockTransport is an http.RoundTripper that records requests and returns
// configured responses. Useful for testing the epoch tracker without a
// server.
type MockTransport struct {
	mu        sync.Mutex
	requests  []*http.Request
	bodies    [][]byte
	responses []*http.Response
	errors    []error
	index     int
}

// NewMockTransport creates a new MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// AddResponse adds a response to be returned by the next request.
func (mt *MockTransport) AddResponse(resp *http.Response, err error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.responses = append(mt.responses, resp)
	mt.errors = append(mt.errors, err)
}

// AddJSONResponse is a helper to add a JSON response with headers.
func (mt *MockTransport) AddJSONResponse(status int, body any, headers map[string]string) {
	data, _ := json.Marshal(body)
	resp := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(string(data))),
	}
	resp.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	mt.AddResponse(resp, nil)
}

// Requests returns all recorded requests.
func (mt *MockTransport) Requests() []*http.Request {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	out := make([]*http.Request, len(mt.requests))
	copy(out, mt.requests)
	return out
}

// RequestBodies returns the recorded body of each request.
func (mt *MockTransport) RequestBodies() [][]byte {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	out := make([][]byte, len(mt.bodies))
	copy(out, mt.bodies)
	return out
}

// RoundTrip implements http.RoundTripper.
func (mt *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.requests = append(mt.requests, req)
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	mt.bodies = append(mt.bodies, body)

	if mt.index >= len(mt.responses) {
		return nil, fmt.Errorf("no more mock responses configured")
	}
	resp := mt.responses[mt.index]
	err := mt.errors[mt.index]
	mt.index++
	return resp, err
}

// Client returns an http.Client using this transport.
func (mt *MockTransport) Client() *http.Client {
	return &http.Client{Transport: mt}
}

// Reset clears all recorded requests and responses.
func (mt *MockTransport) Reset() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.requests = nil
	mt.bodies = nil
	mt.responses = nil
	mt.errors = nil
	mt.index = 0
}
