// Package serializer converts HTTP responses to and from the byte format
// stored in cache entries. The format is the plain HTTP/1.1 representation
// of the response: status line, headers, empty line, body.
package serializer

import (
	"bufio"
	"bytes"
	"net/http"
)

// BytesToResponse converts a stored byte slice back to a http.Response.
func BytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}

// ResponseToBytes converts a response to a byte slice.
// The response body is consumed and then set back,
// so the response stays usable after serialization.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}
