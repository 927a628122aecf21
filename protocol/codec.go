package protocol

import (
	"encoding/json"
	"net"
	"time"
)

// Do opens a connection to addr, sends one request, reads one response and
// closes the connection. The timeout covers dialing, writing and reading.
func Do(addr string, req Request, timeout time.Duration) (Response, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return Response{}, Errorf(CodeTransport, "connect %s: %v", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Response{}, Errorf(CodeTransport, "deadline %s: %v", addr, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, Errorf(CodeTransport, "encode %s: %v", addr, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return Response{}, Errorf(CodeTransport, "send %s: %v", addr, err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, Errorf(CodeTransport, "decode %s: %v", addr, err)
	}
	return resp, nil
}

// Probe dials addr and closes immediately; it reports only reachability.
func Probe(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ReadRequest decodes the single request object from an inbound connection.
func ReadRequest(conn net.Conn) (Request, error) {
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// WriteResponse encodes the single response object back to the peer. The
// payload is the bare object, no trailing newline.
func WriteResponse(conn net.Conn, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}
